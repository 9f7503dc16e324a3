// Package portaudio implements [audio.Devices] on top of the PortAudio C
// library.
//
// The hardware binding needs cgo and libportaudio and is only compiled with
// the "portaudio" build tag. [Timeline], which mixes scheduled chunks onto
// the output clock, has no such requirement.
package portaudio
