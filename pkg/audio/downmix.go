package audio

// StereoToMono averages L+R per interleaved stereo frame (4 bytes) to
// produce mono output with equal 0.5/0.5 weights. Uses int32 arithmetic to
// prevent overflow and clamps to int16 range. Input that is not a whole
// number of stereo frames is malformed and yields nil.
func StereoToMono(pcm []byte) []byte {
	if len(pcm) == 0 || len(pcm)%4 != 0 {
		return nil
	}
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}
