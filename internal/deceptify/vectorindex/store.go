package vectorindex

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
)

const (
	fileMagic   = "DVIX"
	fileVersion = uint16(1)

	// magic + version + dim + count + fingerprint length
	headerSize = 4 + 2 + 4 + 4 + 2

	maxDimension = 1 << 16
	maxCount     = 1 << 24
)

// Store persists indexes as one binary file per knowledge domain.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. The directory is created on first Persist.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the file used for domain.
func (s *Store) Path(domain string) string {
	return filepath.Join(s.dir, strings.ToLower(domain)+"-vectors.index")
}

// Persist writes idx for domain, replacing any previous file.
func (s *Store) Persist(idx *Index, domain string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".index-*")
	if err != nil {
		return fmt.Errorf("failed to create temp index file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	if err := encode(w, idx); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode index: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close index file: %w", err)
	}

	if err := os.Rename(tmpName, s.Path(domain)); err != nil {
		return fmt.Errorf("failed to install index file: %w", err)
	}
	return nil
}

// Load reads the index persisted for domain. It returns ErrNotFound if none exists.
func (s *Store) Load(domain string) (*Index, error) {
	f, err := os.Open(s.Path(domain))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", domain, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat index: %w", err)
	}

	idx, err := decode(bufio.NewReader(f), info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to decode index for %s: %w", domain, err)
	}
	return idx, nil
}

func encode(w io.Writer, idx *Index) error {
	if _, err := io.WriteString(w, fileMagic); err != nil {
		return err
	}
	fp := []byte(idx.fingerprint)
	header := []any{fileVersion, uint32(idx.dim), uint32(idx.count), uint16(len(fp))}
	for _, v := range header {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if _, err := w.Write(fp); err != nil {
		return err
	}

	buf := make([]byte, 4)
	for _, f := range idx.data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// decode reads an index from r, which holds size bytes. Header values are
// checked against size before anything is allocated.
func decode(r io.Reader, size int64) (*Index, error) {
	magic := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != fileMagic {
		return nil, fmt.Errorf("bad magic %q", magic)
	}

	var (
		version    uint16
		dim, count uint32
		fpLen      uint16
	)
	for _, v := range []any{&version, &dim, &count, &fpLen} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
	}
	if version != fileVersion {
		return nil, fmt.Errorf("unsupported index version %d", version)
	}
	if dim == 0 || dim > maxDimension {
		return nil, fmt.Errorf("invalid dimension %d", dim)
	}
	if count > maxCount {
		return nil, fmt.Errorf("invalid vector count %d", count)
	}

	want := uint64(headerSize) + uint64(fpLen) + uint64(dim)*uint64(count)*4
	if size < 0 || uint64(size) != want {
		return nil, fmt.Errorf("index size %d does not match header (%d bytes expected)", size, want)
	}

	fp := make([]byte, fpLen)
	if _, err := io.ReadFull(r, fp); err != nil {
		return nil, fmt.Errorf("read fingerprint: %w", err)
	}

	raw := make([]byte, int(dim)*int(count)*4)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read vectors: %w", err)
	}

	data := make([]float32, int(dim)*int(count))
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	return &Index{
		dim:         int(dim),
		count:       int(count),
		data:        data,
		fingerprint: string(fp),
	}, nil
}
