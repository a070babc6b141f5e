//go:build amd64

// Package asm holds the Go assembly that transfers control into compiled
// blocks. It is kept apart from package jit so the rest of that package
// stays free of assembly.
package asm

// CallBlock calls the compiled block at entry and returns the exit kind
// the block left in RAX and its parameter from RDX. Blocks only use
// caller-saved registers and never touch the Go stack beyond their return
// address.
func CallBlock(entry uintptr) (exit uint64, param uint64)
