// Package lifecycle tracks background resources so shutdown releases them all.
package lifecycle
