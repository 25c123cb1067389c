// Command pmmctl boots the physical memory allocator and inspects, stresses
// or serves it.
package main

func main() {
	execute()
}
