package pcm

// Sample decodes the sample at the start of b into a signed value
// left-justified to 32 bits, so 0x7fff in a 16 bit stream becomes 0x7fff0000.
// Unsigned encodings are re-centred around zero.
func (f Format) Sample(b []byte) int32 {
	n := f.BytesPerSample()
	var u uint32
	for i := 0; i < n; i++ {
		c := b[n-1-i]
		if f.BigEndian {
			c = b[i]
		}
		u = u<<8 | uint32(c)
	}
	u <<= uint(32 - 8*n)
	if !f.Signed {
		u ^= 0x80000000
	}
	return int32(u)
}

// PutSample encodes a left-justified 32 bit value into the first
// BytesPerSample bytes of b. Low bits that do not fit are truncated.
func (f Format) PutSample(b []byte, v int32) {
	n := f.BytesPerSample()
	u := uint32(v)
	if !f.Signed {
		u ^= 0x80000000
	}
	u >>= uint(32 - 8*n)
	for i := 0; i < n; i++ {
		c := byte(u >> uint(8*(n-1-i)))
		if f.BigEndian {
			b[i] = c
		} else {
			b[n-1-i] = c
		}
	}
}
