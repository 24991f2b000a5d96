// Package keyboard describes the key-source collaborator the kernel
// consumes: a PS/2 keyboard that yields raw key codes. Scancode decoding
// and the PS/2 controller programming are an external collaborator and
// live outside this module.
package keyboard

// KeySource is implemented by the PS/2 keyboard collaborator. The core
// consumes exactly one operation, matching the getc syscall: a
// non-blocking poll for the next buffered key code.
type KeySource interface {
	// ReadKey returns the next available key code and true, or ok=false if
	// no key has been pressed since the last read.
	ReadKey() (code uint8, ok bool)
}
