package feed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/adamgarcia4/goLearning/spaces/keys"
)

// FileStore keeps every feed in its own append-only file of length-prefixed blocks
type FileStore struct {
	dir     string
	keyring *keys.Keyring

	mu    sync.Mutex
	feeds map[keys.PublicKey]*logFeed
	files map[keys.PublicKey]*os.File
}

func NewFileStore(dir string, keyring *keys.Keyring) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create feed dir: %w", err)
	}
	return &FileStore{
		dir:     dir,
		keyring: keyring,
		feeds:   make(map[keys.PublicKey]*logFeed),
		files:   make(map[keys.PublicKey]*os.File),
	}, nil
}

func (s *FileStore) OpenFeed(ctx context.Context, key keys.PublicKey, opts OpenOptions) (Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.feeds[key]
	if !ok {
		var err error
		f, err = s.load(key)
		if err != nil {
			return nil, err
		}
		s.feeds[key] = f
	}
	if err := attachSigner(f, s.keyring, opts); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *FileStore) load(key keys.PublicKey) (*logFeed, error) {
	path := filepath.Join(s.dir, key.String()+".feed")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open feed file: %w", err)
	}

	f := newLogFeed(key)
	reader := bufio.NewReader(file)
	for {
		block, err := readRecord(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to read feed %s: %w", key.Truncate(), err)
		}
		if block.Seq != int64(len(f.blocks)) {
			file.Close()
			return nil, fmt.Errorf("%w in %s at %d", ErrNonContiguous, path, block.Seq)
		}
		f.blocks = append(f.blocks, block)
	}

	f.persist = func(block *Block) error {
		record := protowire.AppendBytes(nil, block.Marshal())
		_, err := file.Write(record)
		return err
	}
	s.files[key] = file
	return f, nil
}

func readRecord(r *bufio.Reader) (*Block, error) {
	var header []byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			if len(header) > 0 && errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		header = append(header, c)
		if c < 0x80 {
			break
		}
	}
	size, n := protowire.ConsumeVarint(header)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return UnmarshalBlock(body)
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for key, file := range s.files {
		if err := file.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.files, key)
	}
	s.feeds = make(map[keys.PublicKey]*logFeed)
	return errors.Join(errs...)
}
