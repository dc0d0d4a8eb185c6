package afc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gosuda/rxpc/internal/ioutil"
	"github.com/gosuda/rxpc/internal/metrics"
	"github.com/gosuda/rxpc/rxpcerr"
)

// DefaultDeadline is the per-operation deadline applied when a caller
// doesn't override it.
const DefaultDeadline = 30 * time.Second

// maxWriteChunk is the largest single WRITE payload this client will
// send; longer writes are split into continuation chunks.
const maxWriteChunk = ioutil.MaxReadChunk * 256

// sIFLNK is the textual st_ifmt value AFC reports for symlinks; the
// server speaks a handful of string constants, not a numeric bitmask.
const sIFLNK = "S_IFLNK"

// Session is a single-outstanding-request AFC socket: a session owns
// exactly one net.Conn and serializes all dispatch behind mu. The wire
// protocol is strict lockstep, so there is never more than one request
// in flight.
type Session struct {
	conn net.Conn
	mu   sync.Mutex

	packetNum uint64
	deadline  time.Duration

	logger zerolog.Logger
}

// NewSession wraps an already-connected socket (typically the TLS-PSK
// data channel tunnel.Session established) as an AFC client session.
func NewSession(conn net.Conn, logger zerolog.Logger) *Session {
	return &Session{conn: conn, deadline: DefaultDeadline, logger: logger}
}

// SetDeadline overrides the per-operation deadline.
func (s *Session) SetDeadline(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = d
}

// Close tears down the underlying socket. Open remote handles are
// abandoned; the device reclaims them on socket loss.
func (s *Session) Close() error {
	return s.conn.Close()
}

// dispatch sends one request packet and reads back exactly one response
// packet, under the session's single-outstanding-operation lock.
func (s *Session) dispatch(opcode uint64, body []byte) (Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics.AfcOpsTotal.WithLabelValues(opcodeName(opcode)).Inc()

	num := s.packetNum
	s.packetNum++

	if s.deadline > 0 {
		s.conn.SetDeadline(time.Now().Add(s.deadline))
		defer s.conn.SetDeadline(time.Time{})
	}

	if _, err := s.conn.Write(Encode(Packet{PacketNum: num, Opcode: opcode, Body: body})); err != nil {
		return Packet{}, classifyIOError(err)
	}

	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(s.conn, hdr); err != nil {
		return Packet{}, classifyIOError(err)
	}
	h, err := decodeHeader(hdr)
	if err != nil {
		return Packet{}, err
	}
	if h.entireLength < HeaderSize {
		return Packet{}, ErrMalformedPacket
	}
	bodyLen := h.entireLength - HeaderSize
	respBody := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(s.conn, respBody); err != nil {
			return Packet{}, classifyIOError(err)
		}
	}
	return Packet{PacketNum: h.packetNum, Opcode: h.opcode, Body: respBody, ThisLength: h.thisLength}, nil
}

// dispatchStatus dispatches a request whose only expected response is a
// STATUS packet, and turns any non-SUCCESS status into an error.
func (s *Session) dispatchStatus(opcode uint64, body []byte) error {
	resp, err := s.dispatch(opcode, body)
	if err != nil {
		return err
	}
	return statusError(resp.Body)
}

// ErrObjectNotFound is the distinguishable error for status
// OBJECT_NOT_FOUND; every other non-SUCCESS status surfaces as the
// opaque rxpcerr.Afc kind instead.
var ErrObjectNotFound = rxpcerr.New(rxpcerr.Afc, "afc: object not found")

func statusError(body []byte) error {
	status, err := decodeStatus(body)
	if err != nil {
		return err
	}
	if status == StatusSuccess {
		return nil
	}
	if status == StatusObjectNotFound {
		return ErrObjectNotFound
	}
	return rxpcerr.Wrap(rxpcerr.Afc, "device rejected request", fmt.Errorf("status %d", status))
}

// opcodeName labels an opcode for the AfcOpsTotal metric.
func opcodeName(opcode uint64) string {
	switch opcode {
	case OpReadDir:
		return "read_dir"
	case OpReadFile:
		return "read_file"
	case OpWriteFile:
		return "write_file"
	case OpRemovePath:
		return "remove_path"
	case OpGetFileInfo:
		return "get_file_info"
	case OpFileOpen:
		return "file_open"
	case OpFileClose:
		return "file_close"
	case OpMoveItem:
		return "move_item"
	default:
		return "unknown"
	}
}

func classifyIOError(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return rxpcerr.Wrap(rxpcerr.Timeout, "afc: operation timed out", err)
	}
	return rxpcerr.Wrap(rxpcerr.Network, "afc: socket error", err)
}

// Handle is a remote file descriptor returned by FileOpen.
type Handle uint64

// FileOpen opens path in the given fopen-style mode and returns the
// remote handle.
func (s *Session) FileOpen(pathname string, mode uint64) (Handle, error) {
	body := make([]byte, 8)
	le64(body, 0, mode)
	body = append(body, encodeCStrings(pathname)...)

	resp, err := s.dispatch(OpFileOpen, body)
	if err != nil {
		return 0, err
	}
	if resp.Opcode != OpData {
		if err := statusError(resp.Body); err != nil {
			return 0, err
		}
		return 0, rxpcerr.New(rxpcerr.Protocol, "afc: FILE_OPEN response missing handle")
	}
	if len(resp.Body) < 8 {
		return 0, ErrMalformedPacket
	}
	return Handle(leGet64(resp.Body, 0)), nil
}

// FileClose releases a remote handle.
func (s *Session) FileClose(h Handle) error {
	body := make([]byte, 8)
	le64(body, 0, uint64(h))
	return s.dispatchStatus(OpFileClose, body)
}

// Read reads up to length bytes from h at the device's current file
// position, chunked to at most MaxReadChunk per request.
func (s *Session) Read(h Handle, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	for len(out) < length {
		want := length - len(out)
		if want > ioutil.MaxReadChunk {
			want = ioutil.MaxReadChunk
		}
		body := make([]byte, 16)
		le64(body, 0, uint64(h))
		le64(body, 8, uint64(want))

		resp, err := s.dispatch(OpReadFile, body)
		if err != nil {
			return out, err
		}
		if resp.Opcode != OpData {
			if serr := statusError(resp.Body); serr != nil {
				return out, serr
			}
			break
		}
		out = append(out, resp.Body...)
		if len(resp.Body) < want {
			break // short response: EOF
		}
	}
	return out, nil
}

// Write writes data to h, chunked at maxWriteChunk per request. Each
// chunk's wire packet reports this_length as header+handle only; the
// file data that follows is continuation.
func (s *Session) Write(h Handle, data []byte) error {
	for off := 0; off < len(data); {
		end := off + maxWriteChunk
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]

		handle := make([]byte, 8)
		le64(handle, 0, uint64(h))
		body := append(append([]byte{}, handle...), chunk...)

		if err := s.writeChunk(body, len(handle)); err != nil {
			return err
		}
		off = end
	}
	return nil
}

func (s *Session) writeChunk(body []byte, handleLen int) error {
	s.mu.Lock()
	metrics.AfcOpsTotal.WithLabelValues(opcodeName(OpWriteFile)).Inc()
	num := s.packetNum
	s.packetNum++
	if s.deadline > 0 {
		s.conn.SetDeadline(time.Now().Add(s.deadline))
		defer s.conn.SetDeadline(time.Time{})
	}
	wire := Encode(Packet{PacketNum: num, Opcode: OpWriteFile, Body: body, ThisLength: uint64(HeaderSize + handleLen)})
	if _, err := s.conn.Write(wire); err != nil {
		s.mu.Unlock()
		return classifyIOError(err)
	}

	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(s.conn, hdr); err != nil {
		s.mu.Unlock()
		return classifyIOError(err)
	}
	h, err := decodeHeader(hdr)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	bodyLen := h.entireLength - HeaderSize
	respBody := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(s.conn, respBody); err != nil {
			s.mu.Unlock()
			return classifyIOError(err)
		}
	}
	s.mu.Unlock()
	return statusError(respBody)
}

// ReadDir lists the directory at pathname, excluding "." and "..".
func (s *Session) ReadDir(pathname string) ([]string, error) {
	resp, err := s.dispatch(OpReadDir, encodeCStrings(pathname))
	if err != nil {
		return nil, err
	}
	if resp.Opcode != OpData {
		if serr := statusError(resp.Body); serr != nil {
			return nil, serr
		}
		return nil, rxpcerr.New(rxpcerr.Protocol, "afc: READ_DIR response missing listing")
	}
	return decodeDirList(resp.Body), nil
}

// GetFileInfo returns the key/value attribute map AFC reports for path.
func (s *Session) GetFileInfo(pathname string) (map[string]string, error) {
	resp, err := s.dispatch(OpGetFileInfo, encodeCStrings(pathname))
	if err != nil {
		return nil, err
	}
	if resp.Opcode != OpData {
		if serr := statusError(resp.Body); serr != nil {
			return nil, serr
		}
		return nil, rxpcerr.New(rxpcerr.Protocol, "afc: GET_FILE_INFO response missing attributes")
	}
	return decodeKeyValues(resp.Body), nil
}

// RemovePath removes a single file or empty directory.
func (s *Session) RemovePath(pathname string) error {
	return s.dispatchStatus(OpRemovePath, encodeCStrings(pathname))
}

// RenamePath renames src to dst.
func (s *Session) RenamePath(src, dst string) error {
	return s.dispatchStatus(OpMoveItem, encodeCStrings(src, dst))
}

func le64(buf []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(v >> (8 * i))
	}
}

func leGet64(buf []byte, off int) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[off+i]) << (8 * i)
	}
	return v
}

// Client is the high-level POSIX-like filesystem API built on top of
// the raw opcode dispatch in Session.
type Client struct {
	s *Session
}

// NewClient wraps a Session as a high-level filesystem client.
func NewClient(s *Session) *Client {
	return &Client{s: s}
}

// Stat returns path's attribute map, resolving one level of symlink
// indirection: a symlink is re-statted at its LinkTarget, joined
// relative to the parent directory when the target is not absolute.
func (c *Client) Stat(pathname string) (map[string]string, error) {
	info, err := c.s.GetFileInfo(pathname)
	if err != nil {
		return nil, err
	}
	if info["st_ifmt"] == sIFLNK {
		target := info["LinkTarget"]
		if target == "" {
			return info, nil
		}
		if !path.IsAbs(target) {
			target = path.Join(path.Dir(pathname), target)
		}
		return c.s.GetFileInfo(target)
	}
	return info, nil
}

// IsDir reports whether path names a directory.
func (c *Client) IsDir(pathname string) (bool, error) {
	info, err := c.Stat(pathname)
	if err != nil {
		return false, err
	}
	return info["st_ifmt"] == "S_IFDIR", nil
}

// Exists reports whether path resolves to anything, treating
// ObjectNotFound as a negative answer rather than an error.
func (c *Client) Exists(pathname string) (bool, error) {
	_, err := c.s.GetFileInfo(pathname)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrObjectNotFound) {
		return false, nil
	}
	return false, err
}

// ListDir lists a directory's entries, excluding "." and "..".
func (c *Client) ListDir(pathname string) ([]string, error) {
	return c.s.ReadDir(pathname)
}

// GetFileContents reads the entire contents of path.
func (c *Client) GetFileContents(pathname string) ([]byte, error) {
	h, err := c.s.FileOpen(pathname, ModeRDONLY)
	if err != nil {
		return nil, err
	}
	defer c.s.FileClose(h)

	var out []byte
	buf := ioutil.Get()
	defer ioutil.Put(buf)
	for {
		chunk, err := c.s.Read(h, len(*buf))
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		if len(chunk) < len(*buf) {
			break
		}
	}
	return out, nil
}

// SetFileContents overwrites path with data.
func (c *Client) SetFileContents(pathname string, data []byte) error {
	h, err := c.s.FileOpen(pathname, ModeWRONLY)
	if err != nil {
		return err
	}
	defer c.s.FileClose(h)
	return c.s.Write(h, data)
}

// Rm removes path recursively: directories are descended, their
// children deleted, then the directory itself. If force is true,
// per-item errors are suppressed and Rm keeps going.
func (c *Client) Rm(pathname string, force bool) error {
	isDir, err := c.IsDir(pathname)
	if err != nil {
		if force {
			return nil
		}
		return err
	}
	if isDir {
		entries, err := c.ListDir(pathname)
		if err != nil {
			if !force {
				return err
			}
			entries = nil
		}
		for _, name := range entries {
			if err := c.Rm(path.Join(pathname, name), force); err != nil && !force {
				return err
			}
		}
	}
	if err := c.s.RemovePath(pathname); err != nil && !force {
		return err
	}
	return nil
}

// Rename renames src to dst.
func (c *Client) Rename(src, dst string) error {
	return c.s.RenamePath(src, dst)
}

// WalkFunc is called once per directory Walk visits, with the
// directory's own subdirectory and file name lists already split.
type WalkFunc func(dir string, dirs, files []string) error

// Walk performs a depth-first traversal of root, calling fn once per
// directory with its immediate subdirectories and files.
func (c *Client) Walk(root string, fn WalkFunc) error {
	entries, err := c.ListDir(root)
	if err != nil {
		return err
	}
	var dirs, files []string
	for _, name := range entries {
		isDir, err := c.IsDir(path.Join(root, name))
		if err != nil {
			return err
		}
		if isDir {
			dirs = append(dirs, name)
		} else {
			files = append(files, name)
		}
	}
	if err := fn(root, dirs, files); err != nil {
		return err
	}
	for _, d := range dirs {
		if err := c.Walk(path.Join(root, d), fn); err != nil {
			return err
		}
	}
	return nil
}

// Open opens path using a textual fopen mode ("r", "r+", "w", "w+",
// "a", "a+") and returns the remote handle.
func (c *Client) Open(pathname, mode string) (Handle, error) {
	m, err := fopenMode(mode)
	if err != nil {
		return 0, err
	}
	return c.s.FileOpen(pathname, m)
}

// Close releases a handle obtained from Open.
func (c *Client) Close(h Handle) error {
	return c.s.FileClose(h)
}

// Push writes local data to a device path (local -> device).
func (c *Client) Push(devicePath string, data []byte) error {
	return c.SetFileContents(devicePath, data)
}

// PullFile reads a device path's full contents (device -> local), the
// symmetric counterpart of Push.
func (c *Client) PullFile(devicePath string) ([]byte, error) {
	return c.GetFileContents(devicePath)
}

// PushDir pushes a flat set of (relative path, contents) entries under
// deviceDir, relying on the device to materialize intermediate
// directories as each file is opened and written, the way real AFC
// servers do; no explicit mkdir opcode exists in the table FileOpen
// dispatches against.
func (c *Client) PushDir(deviceDir string, files map[string][]byte) error {
	for rel, data := range files {
		if err := c.Push(path.Join(deviceDir, rel), data); err != nil {
			return err
		}
	}
	return nil
}

// fopenMode maps a textual fopen mode to the numeric wire mode.
func fopenMode(mode string) (uint64, error) {
	switch mode {
	case "r":
		return ModeRDONLY, nil
	case "r+":
		return ModeRW, nil
	case "w":
		return ModeWRONLY, nil
	case "w+":
		return ModeWR, nil
	case "a":
		return ModeAPPEND, nil
	case "a+":
		return ModeRDAPPEND, nil
	default:
		return 0, rxpcerr.New(rxpcerr.Protocol, "afc: unknown fopen mode "+strconv.Quote(mode))
	}
}
