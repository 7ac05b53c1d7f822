package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OverflowError is returned when a size calculation would not fit in the fixed-width fields of the
// shared memory layout
var OverflowError error = errors.New("size does not fit in the shared memory layout")
