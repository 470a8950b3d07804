package derecho

import (
	cryrand "crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
	"github.com/tchajed/marshal"
)

// Persistent log: one append-only file per subgroup of
// (version, timestamp, payload, optional signature) records, each
// guarded by a blake3 checksum. Appends fsync the file; state
// files are written to a temp name and renamed, and the parent
// directory is synced so the rename itself is durable.

const plogMagic uint32 = 0xDE2EC401

func cryRand15B() string {
	var b [15]byte
	_, err := cryrand.Read(b[:])
	panicOn(err)
	return cristalbase64.URLEncoding.EncodeToString(b[:])
}

// LogEntry is one persisted version's metadata. The payload itself
// stays on disk; Digest binds it for signature verification.
type LogEntry struct {
	Version   Version
	Timestamp uint64
	Length    uint32
	Digest    []byte // blake3 version digest
	Signature []byte
	offset    int64
}

type PersistLog struct {
	mu sync.Mutex

	sub  SubgroupID
	path string

	fd          *os.File
	parentDirFd *os.File

	// check each record on the way in and out.
	checkEach *blake3.Hasher

	entries  map[Version]*LogEntry
	last     Version
	size     int64
	maxEntry uint64
	maxData  uint64
}

// NewPersistLog opens (or creates) the subgroup's log and replays
// it to recover the version index. reset truncates first.
func NewPersistLog(cfg *Config, sub SubgroupID) (*PersistLog, error) {
	path := cfg.PersistPath(sub)
	dir := filepath.Dir(path)
	panicOn(os.MkdirAll(dir, 0700))

	flags := os.O_RDWR | os.O_CREATE
	if cfg.Pers.Reset {
		flags |= os.O_TRUNC
	}
	fd, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}
	parentDirFd, err := os.Open(dir)
	if err != nil {
		fd.Close()
		return nil, err
	}
	l := &PersistLog{
		sub:         sub,
		path:        path,
		fd:          fd,
		parentDirFd: parentDirFd,
		checkEach:   blake3.New(32, nil),
		entries:     make(map[Version]*LogEntry),
		last:        InvalidVersion,
		maxEntry:    cfg.Pers.MaxLogEntry,
		maxData:     cfg.Pers.MaxDataSize,
	}
	if err := l.replay(); err != nil {
		fd.Close()
		parentDirFd.Close()
		return nil, err
	}
	return l, nil
}

func (l *PersistLog) record(version Version, timestamp uint64, payload, sig []byte) []byte {
	bs := marshal.WriteInt32(nil, plogMagic)
	bs = marshal.WriteInt(bs, uint64(version))
	bs = marshal.WriteInt(bs, timestamp)
	bs = marshal.WriteInt32(bs, uint32(len(payload)))
	bs = marshal.WriteBytes(bs, payload)
	bs = marshal.WriteInt32(bs, uint32(len(sig)))
	bs = marshal.WriteBytes(bs, sig)
	l.checkEach.Reset()
	l.checkEach.Write(bs)
	sum := l.checkEach.Sum(nil)
	bs = marshal.WriteBytes(bs, sum)
	return bs
}

// Append persists one version durably. A version at or below the
// last appended one is a programmer error.
func (l *PersistLog) Append(version Version, timestamp uint64, payload, sig []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if version <= l.last {
		panicf("plog %v: version %v not past last %v", l.path, version, l.last)
	}
	if uint64(len(payload)) > l.maxEntry {
		return fmt.Errorf("derecho: log entry of %v bytes exceeds max_log_entry %v", len(payload), l.maxEntry)
	}
	rec := l.record(version, timestamp, payload, sig)
	if uint64(l.size+int64(len(rec))) > l.maxData {
		return fmt.Errorf("derecho: log %v would exceed max_data_size %v", l.path, l.maxData)
	}
	off := l.size
	if _, err := l.fd.WriteAt(rec, off); err != nil {
		return err
	}
	if err := l.fd.Sync(); err != nil {
		return err
	}
	l.size += int64(len(rec))
	l.last = version
	l.entries[version] = &LogEntry{
		Version:   version,
		Timestamp: timestamp,
		Length:    uint32(len(payload)),
		Digest:    versionDigest(l.sub, version, timestamp, payload),
		Signature: append([]byte{}, sig...),
		offset:    off,
	}
	return nil
}

func (l *PersistLog) replay() error {
	fi, err := l.fd.Stat()
	if err != nil {
		return err
	}
	total := fi.Size()
	var off int64
	buf := make([]byte, 0, 4096)
	for off < total {
		// peek the fixed prefix to size the record.
		var fixed [24]byte
		if _, err := l.fd.ReadAt(fixed[:], off); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		bs := fixed[:]
		var magic uint32
		magic, bs = marshal.ReadInt32(bs)
		if magic != plogMagic {
			return fmt.Errorf("derecho: log %v corrupt at offset %v: bad magic %x", l.path, off, magic)
		}
		var vu, tsu uint64
		vu, bs = marshal.ReadInt(bs)
		tsu, bs = marshal.ReadInt(bs)
		var plen uint32
		plen, bs = marshal.ReadInt32(bs)
		payload := make([]byte, plen)
		if _, err := l.fd.ReadAt(payload, off+24); err != nil {
			return fmt.Errorf("derecho: log %v truncated payload at %v: %v", l.path, off, err)
		}
		var slenBuf [4]byte
		if _, err := l.fd.ReadAt(slenBuf[:], off+24+int64(plen)); err != nil {
			return fmt.Errorf("derecho: log %v truncated at %v: %v", l.path, off, err)
		}
		slen, _ := marshal.ReadInt32(slenBuf[:])
		sig := make([]byte, slen)
		sigOff := off + 24 + int64(plen) + 4
		if slen > 0 {
			if _, err := l.fd.ReadAt(sig, sigOff); err != nil {
				return fmt.Errorf("derecho: log %v truncated signature at %v: %v", l.path, off, err)
			}
		}
		var sum [32]byte
		if _, err := l.fd.ReadAt(sum[:], sigOff+int64(slen)); err != nil {
			return fmt.Errorf("derecho: log %v truncated checksum at %v: %v", l.path, off, err)
		}
		recLen := 24 + int64(plen) + 4 + int64(slen) + 32

		// verify the checksum over everything before it.
		buf = buf[:0]
		buf = append(buf, fixed[:]...)
		buf = append(buf, payload...)
		buf = append(buf, slenBuf[:]...)
		buf = append(buf, sig...)
		l.checkEach.Reset()
		l.checkEach.Write(buf)
		if string(l.checkEach.Sum(nil)) != string(sum[:]) {
			return fmt.Errorf("derecho: log %v checksum mismatch at offset %v", l.path, off)
		}

		version := Version(vu)
		l.entries[version] = &LogEntry{
			Version:   version,
			Timestamp: tsu,
			Length:    plen,
			Digest:    versionDigest(l.sub, version, tsu, payload),
			Signature: append([]byte{}, sig...),
			offset:    off,
		}
		if version > l.last {
			l.last = version
		}
		off += recLen
	}
	l.size = off
	return nil
}

// LastVersion is the newest version in the log, or InvalidVersion.
func (l *PersistLog) LastVersion() Version {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Entry looks up one version's metadata.
func (l *PersistLog) Entry(version Version) (*LogEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[version]
	return e, ok
}

// ReadPayload pulls one version's bytes back off disk.
func (l *PersistLog) ReadPayload(version Version) ([]byte, error) {
	l.mu.Lock()
	e, ok := l.entries[version]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("derecho: version %v not in log %v", version, l.path)
	}
	buf := make([]byte, e.Length)
	if _, err := l.fd.ReadAt(buf, e.offset+24); err != nil {
		return nil, err
	}
	return buf, nil
}

func (l *PersistLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.parentDirFd.Close()
	return l.fd.Close()
}

// ---------------------------------------------------------------
// view state file: the last committed view plus the per-subgroup
// verified frontier, for restart after total failure. Written
// with the temp-file + rename + parent-dir-sync dance.
// ---------------------------------------------------------------

type ViewState struct {
	SavedAt  time.Time
	View     []byte // EncodeView bytes
	Verified []Version
}

func viewStatePath(cfg *Config) string {
	base := cfg.Pers.FilePath
	if cfg.Pers.RamdiskPath != "" {
		base = cfg.Pers.RamdiskPath
	}
	return fmt.Sprintf("%v/node%v.view.plog", base, cfg.LocalID)
}

// SaveViewState durably records the freshly installed view.
func SaveViewState(cfg *Config, v *View, verified []Version) error {
	path := viewStatePath(cfg)
	dir := filepath.Dir(path)
	panicOn(os.MkdirAll(dir, 0700))

	vb := EncodeView(v)
	bs := marshal.WriteInt32(nil, plogMagic)
	bs = marshal.WriteInt(bs, uint64(time.Now().UnixNano()))
	bs = marshal.WriteInt32(bs, uint32(len(vb)))
	bs = marshal.WriteBytes(bs, vb)
	bs = marshal.WriteInt32(bs, uint32(len(verified)))
	for _, ver := range verified {
		bs = marshal.WriteInt(bs, uint64(ver))
	}
	h := blake3.New(32, nil)
	h.Write(bs)
	bs = marshal.WriteBytes(bs, h.Sum(nil))

	tmppath := path + ".pre_rename." + cryRand15B()
	fd, err := os.Create(tmppath)
	if err != nil {
		return err
	}
	if _, err = fd.Write(bs); err != nil {
		fd.Close()
		return err
	}
	if err = fd.Sync(); err != nil {
		fd.Close()
		return err
	}
	if err = fd.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmppath, path); err != nil {
		return err
	}
	// parent directory metadata must also be synced to disk for
	// true persistence of the rename.
	dirFd, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = dirFd.Sync()
	dirFd.Close()
	return err
}

// LoadViewState reads the node's last saved view, or (nil, nil)
// when there is none.
func LoadViewState(cfg *Config) (*ViewState, error) {
	path := viewStatePath(cfg)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) < 32 {
		return nil, fmt.Errorf("derecho: view state %v too short", path)
	}
	body, sum := raw[:len(raw)-32], raw[len(raw)-32:]
	h := blake3.New(32, nil)
	h.Write(body)
	if string(h.Sum(nil)) != string(sum) {
		return nil, fmt.Errorf("derecho: view state %v checksum mismatch", path)
	}
	bs := body
	var magic uint32
	magic, bs = marshal.ReadInt32(bs)
	if magic != plogMagic {
		return nil, fmt.Errorf("derecho: view state %v bad magic %x", path, magic)
	}
	var tsu uint64
	tsu, bs = marshal.ReadInt(bs)
	var vlen uint32
	vlen, bs = marshal.ReadInt32(bs)
	var vb []byte
	vb, bs = marshal.ReadBytes(bs, uint64(vlen))
	var nver uint32
	nver, bs = marshal.ReadInt32(bs)
	vs := &ViewState{
		SavedAt: time.Unix(0, int64(tsu)),
		View:    vb,
	}
	for i := uint32(0); i < nver; i++ {
		var u uint64
		u, bs = marshal.ReadInt(bs)
		vs.Verified = append(vs.Verified, Version(u))
	}
	return vs, nil
}
