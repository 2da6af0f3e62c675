// Package audio provides PCM16 mono sample-rate conversion and channel
// downmixing for the telephony media path.
//
// All functions operate on little-endian signed 16-bit PCM. The [Resampler]
// is stateful: it carries unconsumed source samples across calls so that a
// stream fed chunk by chunk produces the same output as the same stream fed
// in one piece, without artifacts at chunk boundaries.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Method selects the rate-conversion engine.
type Method string

const (
	// MethodAuto prefers the windowed-sinc engine and falls back to linear
	// interpolation when it is unavailable.
	MethodAuto Method = "auto"
	// MethodSinc requires the windowed-sinc engine.
	MethodSinc Method = "soxr"
	// MethodLinear requires plain linear interpolation.
	MethodLinear Method = "linear"
)

// ParseMethod maps a configuration token to a [Method]. The empty string
// selects [MethodAuto]. "audioop" is accepted as an alias for "linear".
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return MethodAuto, nil
	case "soxr":
		return MethodSinc, nil
	case "linear", "audioop":
		return MethodLinear, nil
	default:
		return "", fmt.Errorf("unknown resampler method %q (want auto, soxr, linear or audioop)", s)
	}
}

// tapsForQuality maps a quality token to the one-sided filter length of the
// sinc engine. Unknown tokens get the HQ default.
func tapsForQuality(quality string) int {
	switch strings.ToUpper(strings.TrimSpace(quality)) {
	case "QQ", "LQ":
		return 8
	case "MQ":
		return 16
	case "HQ":
		return 24
	case "VHQ":
		return 32
	default:
		return 24
	}
}

// Resampler converts a continuous PCM16 mono stream from one sample rate to
// another. It is not safe for concurrent use; each stream direction owns its
// own instance. Construction parameters fix the (src, dst, quality) triple;
// changing any of them means constructing a new Resampler.
type Resampler struct {
	srcRate int
	dstRate int
	method  Method
	taps    int // one-sided kernel length, sinc engine only

	ratio   float64 // source samples per output sample
	cutoff  float64 // normalized low-pass cutoff for the sinc kernel
	buf     []int16 // unconsumed source samples (sinc: includes leading zero padding)
	pos     float64 // position of the next output sample within buf
	started bool
}

// NewResampler creates a stateful converter from srcRate to dstRate Hz.
// When the rates are equal the Resampler passes input through untouched.
func NewResampler(srcRate, dstRate int, method Method, quality string) (*Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", srcRate, dstRate)
	}
	switch method {
	case MethodAuto, MethodSinc, MethodLinear:
	default:
		return nil, fmt.Errorf("unknown resampler method %q", method)
	}
	r := &Resampler{
		srcRate: srcRate,
		dstRate: dstRate,
		method:  method,
		taps:    tapsForQuality(quality),
		ratio:   float64(srcRate) / float64(dstRate),
	}
	r.cutoff = 1.0
	if dstRate < srcRate {
		r.cutoff = float64(dstRate) / float64(srcRate)
	}
	return r, nil
}

// SrcRate returns the configured source rate in Hz.
func (r *Resampler) SrcRate() int { return r.srcRate }

// DstRate returns the configured destination rate in Hz.
func (r *Resampler) DstRate() int { return r.dstRate }

// Resample converts one chunk of the stream. Input whose byte length is odd
// is truncated to whole samples. The returned slice may be empty when the
// chunk is too small to yield an output sample yet; the pending samples are
// retained for the next call. When srcRate == dstRate the input is returned
// unchanged.
func (r *Resampler) Resample(pcm []byte) []byte {
	if r.srcRate == r.dstRate {
		return pcm
	}
	samples := bytesToSamples(pcm)
	if !r.started {
		r.started = true
		if r.useSinc() {
			// Zero history so the kernel has a full left half at stream start.
			r.buf = append(r.buf, make([]int16, r.taps)...)
			r.pos = float64(r.taps)
		}
	}
	r.buf = append(r.buf, samples...)
	out := r.produce(false)
	r.compact()
	return samplesToBytes(out)
}

// Flush drains the residual tail of the stream and resets the Resampler so
// the next Resample call starts a fresh stream. Call it at end of stream or
// whenever the stream is intentionally cut (for example when buffered
// assistant audio is discarded).
func (r *Resampler) Flush() []byte {
	if r.srcRate == r.dstRate || !r.started {
		r.Reset()
		return nil
	}
	if r.useSinc() {
		// Zero future so the kernel has a full right half at stream end.
		r.buf = append(r.buf, make([]int16, r.taps)...)
	}
	out := r.produce(true)
	r.Reset()
	return samplesToBytes(out)
}

// Reset discards all pending stream state without producing output.
func (r *Resampler) Reset() {
	r.buf = r.buf[:0]
	r.pos = 0
	r.started = false
}

func (r *Resampler) useSinc() bool {
	return r.method != MethodLinear
}

// produce emits every output sample the buffered input can support. In the
// final pass the stream end is known, so the loop runs to the last source
// sample instead of stopping where lookahead runs out.
func (r *Resampler) produce(final bool) []int16 {
	if r.useSinc() {
		return r.produceSinc(final)
	}
	return r.produceLinear(final)
}

func (r *Resampler) produceLinear(final bool) []int16 {
	var out []int16
	n := len(r.buf)
	for {
		i := int(r.pos)
		if final {
			if n == 0 || r.pos > float64(n-1) {
				break
			}
		} else if i+1 >= n {
			break
		}
		s0 := float64(r.buf[i])
		s1 := s0
		if i+1 < n {
			s1 = float64(r.buf[i+1])
		}
		frac := r.pos - float64(i)
		out = append(out, clampSample(s0+(s1-s0)*frac))
		r.pos += r.ratio
	}
	return out
}

func (r *Resampler) produceSinc(final bool) []int16 {
	var out []int16
	n := len(r.buf)
	end := float64(n - r.taps) // position of the first padded zero in the final pass
	for {
		i := int(r.pos)
		if final {
			if r.pos >= end {
				break
			}
		} else if i+r.taps >= n {
			break
		}
		out = append(out, r.kernelAt(r.pos))
		r.pos += r.ratio
	}
	return out
}

// kernelAt evaluates the Hann-windowed, low-passed sinc interpolation kernel
// centred on pos. The kernel is normalized by its own sum so constant input
// maps to constant output regardless of the fractional phase.
func (r *Resampler) kernelAt(pos float64) int16 {
	i := int(pos)
	var acc, norm float64
	for k := i - r.taps + 1; k <= i+r.taps; k++ {
		if k < 0 || k >= len(r.buf) {
			continue
		}
		t := pos - float64(k)
		w := r.cutoff * sinc(r.cutoff*t) * hann(t, r.taps)
		acc += float64(r.buf[k]) * w
		norm += w
	}
	if norm != 0 {
		acc /= norm
	}
	return clampSample(acc)
}

// compact drops source samples no future output can reference, keeping the
// buffer bounded regardless of stream length.
func (r *Resampler) compact() {
	keep := 0
	if r.useSinc() {
		keep = r.taps - 1
	}
	drop := int(r.pos) - keep
	if drop <= 0 {
		return
	}
	if drop > len(r.buf) {
		drop = len(r.buf)
	}
	r.buf = append(r.buf[:0], r.buf[drop:]...)
	r.pos -= float64(drop)
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

func hann(t float64, taps int) float64 {
	if math.Abs(t) > float64(taps) {
		return 0
	}
	return 0.5 + 0.5*math.Cos(math.Pi*t/float64(taps))
}

func clampSample(v float64) int16 {
	s := math.Round(v)
	if s > math.MaxInt16 {
		return math.MaxInt16
	}
	if s < math.MinInt16 {
		return math.MinInt16
	}
	return int16(s)
}

func bytesToSamples(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func samplesToBytes(samples []int16) []byte {
	if len(samples) == 0 {
		return nil
	}
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
