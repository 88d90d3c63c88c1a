// Package state implements the per-session shared state region.
//
// The front end creates the region when it accepts a connection and the back
// end attaches to it when its executor starts. The region is a file under
// the runtime directory mapped into both processes, so identity, channel
// membership and P2P lists survive a back-end crash.
//
// Locking: Lock/Unlock serialize read-modify-write sequences across both
// processes (an in-process mutex plus flock on the file). Accessors never
// lock on their own; single-field reads taken without the lock may be stale.
package state

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/pithecene-io/mrci/types"
)

// ErrBadRegion is returned by Attach when the file is not a session region.
var ErrBadRegion = errors.New("not a session state region")

// Store is a handle on one session's shared state region.
type Store struct {
	path string
	file *os.File
	data []byte
	l    *layout

	mu     sync.Mutex
	closed bool
}

// Create creates (or replaces) the region at path and stamps the session id.
func Create(path string, id types.SessionID) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create state region: %w", err)
	}
	if err := f.Truncate(int64(RegionSize)); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("size state region: %w", err)
	}

	s, err := mapFile(path, f)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	copy(s.bytes(s.l.magic), magic[:])
	copy(s.bytes(s.l.sessionID), id[:])
	return s, nil
}

// Attach maps an existing region created by Create.
func Attach(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("attach state region: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("attach state region: %w", err)
	}
	if info.Size() != int64(RegionSize) {
		_ = f.Close()
		return nil, fmt.Errorf("%w: size %d, want %d", ErrBadRegion, info.Size(), RegionSize)
	}

	s, err := mapFile(path, f)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(s.bytes(s.l.magic), magic[:]) {
		_ = s.Close()
		return nil, fmt.Errorf("%w: bad magic", ErrBadRegion)
	}
	return s, nil
}

func mapFile(path string, f *os.File) (*Store, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, RegionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("map state region: %w", err)
	}
	return &Store{path: path, file: f, data: data, l: &regionLayout}, nil
}

// Path returns the region's file path.
func (s *Store) Path() string {
	return s.path
}

// Lock acquires the region for a multi-field read-modify-write sequence.
func (s *Store) Lock() {
	s.mu.Lock()
	// flock only fails on a bad descriptor or EINTR; retry the latter.
	for {
		err := unix.Flock(int(s.file.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			return
		}
	}
}

// Unlock releases the region.
func (s *Store) Unlock() {
	_ = unix.Flock(int(s.file.Fd()), unix.LOCK_UN)
	s.mu.Unlock()
}

// Close unmaps the region. The file stays for the other process.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := unix.Munmap(s.data)
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Remove unmaps the region and deletes its file. Called at session end.
func (s *Store) Remove() error {
	err := s.Close()
	if rerr := os.Remove(s.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
		err = rerr
	}
	return err
}

func (s *Store) bytes(f field) []byte {
	return s.data[f.off : f.off+f.size]
}

func (s *Store) readString(f field) string {
	return types.TrimString(s.bytes(f))
}

func (s *Store) writeString(f field, v string) {
	copy(s.bytes(f), types.PadString(v, f.size))
}

func (s *Store) readU32(f field) uint32 {
	return binary.LittleEndian.Uint32(s.bytes(f))
}

func (s *Store) writeU32(f field, v uint32) {
	binary.LittleEndian.PutUint32(s.bytes(f), v)
}

func (s *Store) zero(f field) {
	clear(s.bytes(f))
}

// entry returns the i-th entry of a slot block.
func (s *Store) entry(sl slots, i int) []byte {
	off := sl.off + i*sl.width
	return s.data[off : off+sl.width]
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// used returns the number of occupied entries at the start of the block.
func (s *Store) used(sl slots) int {
	for i := range sl.count {
		if isZero(s.entry(sl, i)) {
			return i
		}
	}
	return sl.count
}

func (s *Store) indexOf(sl slots, v []byte) int {
	n := s.used(sl)
	for i := range n {
		if bytes.Equal(s.entry(sl, i), v) {
			return i
		}
	}
	return -1
}

// slotAdd appends v unless present. It returns false when the block is full.
func (s *Store) slotAdd(sl slots, v []byte) bool {
	if s.indexOf(sl, v) >= 0 {
		return true
	}
	n := s.used(sl)
	if n == sl.count {
		return false
	}
	copy(s.entry(sl, n), v)
	return true
}

// slotRemove deletes v and closes the gap, keeping order.
func (s *Store) slotRemove(sl slots, v []byte) bool {
	i := s.indexOf(sl, v)
	if i < 0 {
		return false
	}
	n := s.used(sl)
	start := sl.off + i*sl.width
	end := sl.off + n*sl.width
	copy(s.data[start:end-sl.width], s.data[start+sl.width:end])
	clear(s.data[end-sl.width : end])
	return true
}

func (s *Store) slotList(sl slots) [][]byte {
	n := s.used(sl)
	out := make([][]byte, n)
	for i := range n {
		out[i] = bytes.Clone(s.entry(sl, i))
	}
	return out
}
