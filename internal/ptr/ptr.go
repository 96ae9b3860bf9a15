// Package ptr provides pointer helpers for optional fields, in the manner
// of k8s.io/utils/ptr.
package ptr

// To returns a pointer to the given value.
func To[T any](v T) *T {
	return &v
}
