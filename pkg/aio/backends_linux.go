//go:build linux
// +build linux

package aio

func init() {
	register(BackendURing, newRing)
	register(BackendAIO, newLegacyAIO)
	register(BackendPthread, newThreadPool)
}
