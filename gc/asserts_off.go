//go:build !gcassert

package gc

const gcAsserts = false
