package filelayer

import "errors"

// ErrCorrupt signals an unparseable or structurally inconsistent header,
// superblock, or xattr blob.
var ErrCorrupt = errors.New("filelayer: corrupt structure")

// ErrNotFound signals a missing xattr key.
var ErrNotFound = errors.New("filelayer: not found")

// ErrKeyAlreadyExists signals a create_only set_xattr against an
// existing key.
var ErrKeyAlreadyExists = errors.New("filelayer: xattr key already exists")

// ErrKeyDoesNotExist signals a replace_only set_xattr, or a delete,
// against a missing key.
var ErrKeyDoesNotExist = errors.New("filelayer: xattr key does not exist")
