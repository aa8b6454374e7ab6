package pathlayer

import "errors"

// ErrCorrupt signals an unparseable directory entry or a directory file
// whose size isn't a multiple of EntrySize.
var ErrCorrupt = errors.New("pathlayer: corrupt directory")

// ErrExists signals add_directory_entry against an existing name
// without overwrite.
var ErrExists = errors.New("pathlayer: directory entry already exists")

// ErrNotFound signals a remove against a missing name.
var ErrNotFound = errors.New("pathlayer: directory entry not found")
