//go:build gcassert

package gc

// gcAsserts enables expensive internal consistency checks.
const gcAsserts = true
