package blocklayer

import "errors"

// ErrCorruptBlock is returned when the AEAD tag on a physical block fails
// to verify, or any other on-disk structure proves impossible to parse.
var ErrCorruptBlock = errors.New("blocklayer: corrupt block")

// ErrOutOfRange is returned when a block id or offset falls outside the
// current container.
var ErrOutOfRange = errors.New("blocklayer: block id out of range")

// ErrWrongLockMode is returned on an attempted shared-to-exclusive lock
// upgrade, or any exclusive operation attempted while only a shared lock
// is held.
var ErrWrongLockMode = errors.New("blocklayer: wrong lock mode")
