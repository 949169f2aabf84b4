// Package persist implements the file format of the optional frozen
// per-module fragment cache (spec.md §6 "Persisted state"): a file of
// {application offset, cache offset, size} entries plus raw cache bytes.
// Read copies the whole file into memory; nothing in this package maps a
// file or registers its fragments as a fragment-table partition. The layout is otherwise
// unspecified by spec.md; this port fixes magic+version header, module
// identity, and entry table fields, and stamps a google/uuid build id into
// the header so two frozen caches for the same module built at different
// times are distinguishable without relying on wall-clock time.
package persist

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Magic identifies a frozen persisted-cache file.
const Magic uint32 = 0x44524346 // "DRCF"

// Version is the current on-disk format version.
const Version uint16 = 1

// Entry is one persisted fragment's location, spec.md §6 "a table of
// {application offset, cache offset, size} entries".
type Entry struct {
	AppOffset   uint64
	CacheOffset uint64
	Size        uint64
}

// Header is the prefix of a frozen cache file. Its size varies: ModuleID is
// written as a uint32 length followed by its bytes.
type Header struct {
	Magic      uint32
	Version    uint16
	_          uint16 // padding, reserved
	BuildID    uuid.UUID
	ModuleID   string // path or content hash, caller's choice
	EntryCount uint32
}

// File is a fully-decoded frozen cache: header, entry table, and the raw
// cache bytes that follow it on disk.
type File struct {
	Header  Header
	Entries []Entry
	// CacheBytes is the raw cache region, held as the in-memory copy that
	// Read makes.
	CacheBytes []byte
}

// Write serializes a File in the fixed layout: header, entry table, raw
// bytes.
func Write(w io.Writer, f *File) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, f.Header.Magic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, f.Header.Version); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint16(0)); err != nil {
		return err
	}
	buildIDBytes, err := f.Header.BuildID.MarshalBinary()
	if err != nil {
		return fmt.Errorf("persist: marshal build id: %w", err)
	}
	if _, err := bw.Write(buildIDBytes); err != nil {
		return err
	}
	moduleIDBytes := []byte(f.Header.ModuleID)
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(moduleIDBytes))); err != nil {
		return err
	}
	if _, err := bw.Write(moduleIDBytes); err != nil {
		return err
	}
	entryCount := uint32(len(f.Entries))
	if err := binary.Write(bw, binary.LittleEndian, entryCount); err != nil {
		return err
	}
	for _, e := range f.Entries {
		if err := binary.Write(bw, binary.LittleEndian, e); err != nil {
			return err
		}
	}
	if _, err := bw.Write(f.CacheBytes); err != nil {
		return err
	}
	return bw.Flush()
}

// Read parses a frozen cache file written by Write. It copies CacheBytes
// into memory; this package has no loader that maps them instead.
func Read(r io.Reader) (*File, error) {
	br := bufio.NewReader(r)
	f := &File{}

	if err := binary.Read(br, binary.LittleEndian, &f.Header.Magic); err != nil {
		return nil, err
	}
	if f.Header.Magic != Magic {
		return nil, fmt.Errorf("persist: bad magic %#x, want %#x", f.Header.Magic, Magic)
	}
	if err := binary.Read(br, binary.LittleEndian, &f.Header.Version); err != nil {
		return nil, err
	}
	if f.Header.Version != Version {
		return nil, fmt.Errorf("persist: unsupported version %d, want %d", f.Header.Version, Version)
	}
	var pad uint16
	if err := binary.Read(br, binary.LittleEndian, &pad); err != nil {
		return nil, err
	}
	var buildIDBytes [16]byte
	if _, err := io.ReadFull(br, buildIDBytes[:]); err != nil {
		return nil, err
	}
	if err := f.Header.BuildID.UnmarshalBinary(buildIDBytes[:]); err != nil {
		return nil, fmt.Errorf("persist: unmarshal build id: %w", err)
	}
	var moduleIDLen uint32
	if err := binary.Read(br, binary.LittleEndian, &moduleIDLen); err != nil {
		return nil, err
	}
	moduleIDBytes := make([]byte, moduleIDLen)
	if _, err := io.ReadFull(br, moduleIDBytes); err != nil {
		return nil, err
	}
	f.Header.ModuleID = string(moduleIDBytes)

	if err := binary.Read(br, binary.LittleEndian, &f.Header.EntryCount); err != nil {
		return nil, err
	}
	f.Entries = make([]Entry, f.Header.EntryCount)
	for i := range f.Entries {
		if err := binary.Read(br, binary.LittleEndian, &f.Entries[i]); err != nil {
			return nil, err
		}
	}
	rest, err := io.ReadAll(br)
	if err != nil {
		return nil, err
	}
	f.CacheBytes = rest
	return f, nil
}

// NewHeader builds a Header for a fresh freeze of moduleID, stamping a new
// random build id (so rebuilding the same module twice produces
// distinguishable files even within the same wall-clock second).
func NewHeader(moduleID string, entryCount int) Header {
	return Header{
		Magic:      Magic,
		Version:    Version,
		BuildID:    uuid.New(),
		ModuleID:   moduleID,
		EntryCount: uint32(entryCount),
	}
}
