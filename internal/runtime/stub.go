//go:build !llama

package runtime

// This stub keeps default builds and CI CGO-free. The real runtime lives in
// llama.go behind the 'llama' build tag. No mocked inference: opening the
// runtime without the tag fails fast.

// Open reports that the native runtime is not compiled into this binary.
func Open(p Params) (Runtime, error) {
	return nil, ErrDependency("llama support not built (missing 'llama' build tag)")
}
