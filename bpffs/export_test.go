package bpffs

// SetStatfsType swaps the statfs hook and returns a restore func.
func SetStatfsType(f func(string) (int64, error)) func() {
	old := statfsType
	statfsType = f
	return func() { statfsType = old }
}
