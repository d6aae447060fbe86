// Package kfile is the kernel file descriptor layer (spec.md C9): a
// capability record {readable, writable, offset, backing} over one of
// {inode, pipe-read-end, pipe-write-end, stdin, stdout}, plus the pipe
// ring buffer itself.
//
// Grounded on the teacher's fd/fd.go Fd_t (permission bits plus an
// Fdops_i backing interface) and circbuf/circbuf.go's head/tail ring
// buffer; acore's Backing interface plays the role of the teacher's
// Fdops_i, and Pipe's head/tail arithmetic follows Circbuf_t's, reduced
// to the fixed 32-byte capacity spec.md names instead of the teacher's
// page-sized lazy allocation.
package kfile

import (
	"io"
	"strings"
	"sync"

	"github.com/CrazyDave999/acore/internal/errno"
	"github.com/CrazyDave999/acore/internal/klog"
	"github.com/CrazyDave999/acore/internal/layout"
	"github.com/CrazyDave999/acore/internal/vfs"
)

// Open flags (spec.md §6).
const (
	ORdonly = 0
	OWronly = 1
	ORdwr   = 2
	OCreate = 1 << 9
	OTrunc  = 1 << 10
)

// Backing is implemented by every kind of file content a KFile can
// wrap: an on-disk inode, a pipe end, or a host console stream. offset
// is the file's current cursor, passed in rather than held by the
// backing itself, since pipes and stdio ignore it entirely.
type Backing interface {
	Read(offset int, buf []byte) (n int, blocked bool, e errno.Errno)
	Write(offset int, data []byte) (n int, blocked bool, e errno.Errno)
	Seek(offset int) errno.Errno
	Stat() (string, errno.Errno)
	Close()
}

// KFile is the per-open-file capability record (spec.md §4.9).
type KFile struct {
	mu       sync.Mutex
	readable bool
	writable bool
	offset   int
	backing  Backing
}

func newKFile(b Backing, readable, writable bool) *KFile {
	return &KFile{backing: b, readable: readable, writable: writable}
}

// Readable/Writable report the capability's permission bits.
func (f *KFile) Readable() bool { return f.readable }
func (f *KFile) Writable() bool { return f.writable }

// Read attempts one read at the file's current offset, advancing it by
// the bytes actually read. blocked indicates a transient condition
// (empty pipe with live writers); callers must yield and retry rather
// than treating it as an error (spec.md §9 error taxonomy (d)).
func (f *KFile) Read(buf []byte) (int, bool, errno.Errno) {
	if !f.readable {
		return 0, false, errno.EINVAL
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, blocked, e := f.backing.Read(f.offset, buf)
	if e.Ok() && !blocked {
		f.offset += n
	}
	return n, blocked, e
}

// Write attempts one write at the file's current offset.
func (f *KFile) Write(data []byte) (int, bool, errno.Errno) {
	if !f.writable {
		return 0, false, errno.EINVAL
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, blocked, e := f.backing.Write(f.offset, data)
	if e.Ok() && !blocked {
		f.offset += n
	}
	return n, blocked, e
}

// ReadAll repeatedly reads 512-byte chunks until EOF (spec.md §4.9).
func (f *KFile) ReadAll() ([]byte, errno.Errno) {
	var out []byte
	chunk := make([]byte, 512)
	for {
		n, blocked, e := f.Read(chunk)
		if !e.Ok() {
			return nil, e
		}
		if blocked {
			continue
		}
		if n == 0 {
			return out, 0
		}
		out = append(out, chunk[:n]...)
	}
}

// Seek repositions an inode-backed file; it is fatal on pipes and
// console streams (spec.md §4.9 "seek fails fatally for pipes").
func (f *KFile) Seek(offset int) errno.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e := f.backing.Seek(offset); !e.Ok() {
		return e
	}
	f.offset = offset
	return 0
}

// Stat formats the backing's description.
func (f *KFile) Stat() (string, errno.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backing.Stat()
}

// Close releases any resource the backing holds (e.g. a pipe writer
// slot, whose release is how readers eventually observe EOF).
func (f *KFile) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backing.Close()
}

// Dup shares the same backing; offset is copied, then diverges
// independently (spec.md's dup(fd) creates a new fd capability over
// the same file).
func (f *KFile) Dup() *KFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.backing.(*pipeWriteEnd); ok {
		w.p.mu.Lock()
		w.p.writersAlive++
		w.p.mu.Unlock()
	}
	return &KFile{backing: f.backing, readable: f.readable, writable: f.writable, offset: f.offset}
}

// Open walks an absolute path from the filesystem root, never creating
// intermediate components, then applies {CREATE, TRUNC, WRONLY, RDWR}
// to the leaf (spec.md §4.9 open).
func Open(fs *vfs.FS, path string, flags int) (*KFile, errno.Errno) {
	dir, leaf, ok := splitPath(path)
	if !ok {
		return nil, errno.ENOENT
	}
	cur := fs.Inode(vfs.RootInodeID)
	if dir != "" {
		for _, part := range strings.Split(dir, "/") {
			if part == "" {
				continue
			}
			next, ok := cur.AccessDirEntry(part, layout.TypeFile, false)
			if !ok {
				return nil, errno.ENOENT
			}
			cur = next
		}
	}
	create := flags&OCreate != 0
	target, ok := cur.AccessDirEntry(leaf, layout.TypeFile, create)
	if !ok {
		return nil, errno.ENOENT
	}
	if flags&OTrunc != 0 {
		target.Clear()
	}
	mode := flags & 3
	readable := mode != OWronly
	writable := mode == OWronly || mode == ORdwr
	return newKFile(&diskBacking{inode: target}, readable, writable), 0
}

// splitPath separates an absolute path into its parent directory
// (possibly empty for a top-level entry) and leaf name.
func splitPath(path string) (dir, leaf string, ok bool) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", "", false
	}
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path, true
	}
	return path[:idx], path[idx+1:], true
}

// diskBacking is the inode-backed Backing; it carries no cursor of its
// own, since vfs.Inode.ReadAt/WriteAt already take an explicit offset.
type diskBacking struct {
	inode *vfs.Inode
}

func (b *diskBacking) Read(offset int, buf []byte) (int, bool, errno.Errno) {
	n := b.inode.ReadAt(offset, buf)
	return n, false, 0
}

func (b *diskBacking) Write(offset int, data []byte) (int, bool, errno.Errno) {
	n := b.inode.WriteAt(offset, data)
	return n, false, 0
}

func (b *diskBacking) Seek(offset int) errno.Errno {
	if offset < 0 {
		return errno.EINVAL
	}
	return 0
}

func (b *diskBacking) Stat() (string, errno.Errno) {
	return b.inode.Fstat(), 0
}

func (b *diskBacking) Close() {}

const pipeCapacity = 32

// Pipe is a fixed 32-byte ring buffer (spec.md §8 boundary test:
// "accept 31 bytes then block on byte 32"), one slot reserved to tell
// full from empty.
type Pipe struct {
	mu           sync.Mutex
	buf          [pipeCapacity]byte
	head, tail   int
	writersAlive int
}

// NewPipe creates a pipe with one live writer end.
func NewPipe() *Pipe {
	return &Pipe{writersAlive: 1}
}

func (p *Pipe) availableRead() int {
	return (p.head - p.tail + pipeCapacity) % pipeCapacity
}

func (p *Pipe) availableWrite() int {
	return pipeCapacity - 1 - p.availableRead()
}

// readAttempt implements spec.md's "reader blocks by yielding when
// available_read == 0 unless all write ends have been dropped ...in
// which case it returns the bytes read so far (possibly 0)". Go has no
// weak pointer acore can hang that detection on, so the pipe tracks a
// live-writer count instead and a reader observes EOF exactly when that
// count reaches zero while the buffer is empty.
func (p *Pipe) readAttempt(buf []byte) (int, bool, errno.Errno) {
	p.mu.Lock()
	defer p.mu.Unlock()
	avail := p.availableRead()
	if avail == 0 {
		if p.writersAlive == 0 {
			return 0, false, 0
		}
		return 0, true, 0
	}
	n := len(buf)
	if n > avail {
		n = avail
	}
	for i := 0; i < n; i++ {
		buf[i] = p.buf[p.tail]
		p.tail = (p.tail + 1) % pipeCapacity
	}
	return n, false, 0
}

func (p *Pipe) writeAttempt(data []byte) (int, bool, errno.Errno) {
	p.mu.Lock()
	defer p.mu.Unlock()
	avail := p.availableWrite()
	if avail == 0 {
		return 0, true, 0
	}
	n := len(data)
	if n > avail {
		n = avail
	}
	for i := 0; i < n; i++ {
		p.buf[p.head] = data[i]
		p.head = (p.head + 1) % pipeCapacity
	}
	return n, false, 0
}

func (p *Pipe) dropWriter() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writersAlive == 0 {
		klog.Panicf("kfile: pipe writer dropped twice")
	}
	p.writersAlive--
}

type pipeReadEnd struct{ p *Pipe }
type pipeWriteEnd struct{ p *Pipe }

func (e *pipeReadEnd) Read(offset int, buf []byte) (int, bool, errno.Errno) {
	return e.p.readAttempt(buf)
}
func (e *pipeReadEnd) Write(int, []byte) (int, bool, errno.Errno) { return 0, false, errno.EINVAL }
func (e *pipeReadEnd) Seek(int) errno.Errno                       { klog.Panicf("kfile: seek on pipe"); return 0 }
func (e *pipeReadEnd) Stat() (string, errno.Errno)                { return "Type: Pipe Size: 0 Blocks: 0", 0 }
func (e *pipeReadEnd) Close()                                     {}

func (e *pipeWriteEnd) Read(int, []byte) (int, bool, errno.Errno) { return 0, false, errno.EINVAL }
func (e *pipeWriteEnd) Write(offset int, data []byte) (int, bool, errno.Errno) {
	return e.p.writeAttempt(data)
}
func (e *pipeWriteEnd) Seek(int) errno.Errno        { klog.Panicf("kfile: seek on pipe"); return 0 }
func (e *pipeWriteEnd) Stat() (string, errno.Errno) { return "Type: Pipe Size: 0 Blocks: 0", 0 }
func (e *pipeWriteEnd) Close()                      { e.p.dropWriter() }

// MakePipe returns the read-end and write-end KFiles of a fresh pipe
// (spec.md §6 syscall 59 pipe(outfd2)).
func MakePipe() (*KFile, *KFile) {
	p := NewPipe()
	return newKFile(&pipeReadEnd{p: p}, true, false), newKFile(&pipeWriteEnd{p: p}, false, true)
}

// stdioBacking adapts a host io.Reader or io.Writer to Backing, for
// stdin/stdout (spec.md §4.9 backing enum); acore has no UART driver in
// scope, so on a host build this is backed by the process's own stdio.
type stdioBacking struct {
	r io.Reader
	w io.Writer
}

func (s *stdioBacking) Read(offset int, buf []byte) (int, bool, errno.Errno) {
	if s.r == nil {
		return 0, false, errno.EINVAL
	}
	n, err := s.r.Read(buf)
	if err == io.EOF {
		return n, false, 0
	}
	if err != nil {
		return 0, false, errno.EIO
	}
	return n, false, 0
}

func (s *stdioBacking) Write(offset int, data []byte) (int, bool, errno.Errno) {
	if s.w == nil {
		return 0, false, errno.EINVAL
	}
	n, err := s.w.Write(data)
	if err != nil {
		return n, false, errno.EIO
	}
	return n, false, 0
}

func (s *stdioBacking) Seek(int) errno.Errno        { klog.Panicf("kfile: seek on stdio"); return 0 }
func (s *stdioBacking) Stat() (string, errno.Errno) { return "Type: Char Size: 0 Blocks: 0", 0 }
func (s *stdioBacking) Close()                      {}

// NewStdinFile/NewStdoutFile build ready-to-install KFiles for a
// process's fd table slots 0 and 1.
func NewStdinFile(r io.Reader) *KFile  { return newKFile(&stdioBacking{r: r}, true, false) }
func NewStdoutFile(w io.Writer) *KFile { return newKFile(&stdioBacking{w: w}, false, true) }
