package dkls23

import "runtime"

// ZeroizeBytes overwrites buf with zeros. runtime.KeepAlive keeps the stores
// from being eliminated (golang/go#33325). Copies made elsewhere, by the
// garbage collector or by libraries, are not reached.
func ZeroizeBytes(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	runtime.KeepAlive(buf)
}
