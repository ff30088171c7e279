// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements checkpoint management: saving, listing and loading of the parameters of
// a model to/from a directory, and restoring them (fully or partially) into a context.Context.
//
// The main object is the Store, that should be created by calling Build, followed by the
// various options setting and finally calling Config.Done.
//
// Each checkpoint is a pair of files, "<id>.json" with the metadata and "<id>.bin" with the values
// of the parameters. The id is "<model_id>_<timestamp>", so listing the directory in lexical order is
// the same as chronological order. Example:
//
//	store, err := checkpoints.Build().Dir(*flagModelSave).ModelID("MultiAttnHeadSimple").Keep(5).Done()
//	if err != nil { … }
//	id, err := store.Save(checkpoints.Parameters(ctx), epoch)
//	…
//	// Later, possibly into a different architecture, re-initializing the output layer:
//	ckpt, err := store.Latest()
//	report, err := checkpoints.RestoreInto(newCtx, ckpt.Params, sets.MakeWith("last_layer"))
package checkpoints

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/flowcast/flowcast/pkg/support/fsutil"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// FilePermMode is the permission of the checkpoint files (before umask).
	FilePermMode = os.FileMode(0660)

	// ErrUnsupportedCompression signifies an error when a compression type is not supported.
	ErrUnsupportedCompression = errors.New("unsupported compression")
)

const (
	// JsonNameSuffix for the metadata files.
	JsonNameSuffix = ".json"

	// BinDataSuffix for the data files (holding the tensor values).
	BinDataSuffix = ".bin"

	// DefaultModelID used in the names of checkpoints saved by a Store built without ModelID.
	DefaultModelID = "model"

	// TimestampFormat of the time in the checkpoint ids: sortable, with microseconds.
	TimestampFormat = "20060102-150405.000000"
)

// Config for the checkpoints' Store to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() to create the Store.
type Config struct {
	err       error
	dir       string
	modelID   string
	keep      int
	binFormat BinFormat
	storeAs   dtypes.DType
	clock     func() time.Time
}

// Build a configuration for a checkpoints Store. After configuring the Config object returned,
// call Done to get the Store.
//
// Config.Dir is required: there is no default location.
func Build() *Config {
	return &Config{
		keep:      -1,
		binFormat: BinGZIP,
		clock:     time.Now,
	}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints. A leading "~" is replaced by the home
// directory. It is created by Done if it doesn't exist.
func (c *Config) Dir(dir string) *Config {
	var err error
	c.dir, err = fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		c.setError(err)
	}
	return c
}

// ModelID sets the prefix of the checkpoint ids, typically the architecture name. The Store only lists
// checkpoints with this prefix. If not set, the Store lists all checkpoints in the directory, and saves
// with DefaultModelID.
func (c *Config) ModelID(id string) *Config {
	if strings.ContainsAny(id, `/\`) {
		c.setError(errors.Errorf("checkpoints: invalid model id %q", id))
	}
	c.modelID = id
	return c
}

// Keep sets the number of checkpoints to keep: after each save, older checkpoints beyond n are removed.
// Default is -1, which keeps all checkpoints. n must be positive or -1: keeping 0 checkpoints would remove
// the one just saved.
func (c *Config) Keep(n int) *Config {
	if n == 0 || n < -1 {
		c.setError(errors.Errorf("checkpoints: Keep(%d) must be positive or -1 (keep all)", n))
	}
	c.keep = n
	return c
}

// WithCompression defines the compression format of the binary files. The default is BinGZIP.
func (c *Config) WithCompression(bf BinFormat) *Config {
	if bf != BinGZIP && bf != BinUncompressed {
		c.setError(errors.Wrapf(ErrUnsupportedCompression, "checkpoints: format %d", bf))
	}
	c.binFormat = bf
	return c
}

// StoreAs converts the values to the given dtype when saving, e.g. dtypes.Float32 or dtypes.BFloat16 to
// save space. By default, values are saved in their own dtype.
func (c *Config) StoreAs(dtype dtypes.DType) *Config {
	if !isSupportedDType(dtype) {
		c.setError(errors.Errorf("checkpoints: StoreAs(%s) not supported", dtype))
	}
	c.storeAs = dtype
	return c
}

// Clock sets the function used to timestamp new checkpoints. Defaults to time.Now.
func (c *Config) Clock(clock func() time.Time) *Config {
	c.clock = clock
	return c
}

// Done creates the Store, creating the directory if needed.
func (c *Config) Done() (*Store, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.New("checkpoints: directory not configured, use Config.Dir()")
	}
	fi, err := os.Stat(c.dir)
	switch {
	case err == nil && !fi.IsDir():
		return nil, errors.Errorf("checkpoints: %q is not a directory", c.dir)
	case errors.Is(err, os.ErrNotExist):
		if err = os.MkdirAll(c.dir, DirPermMode); err != nil {
			return nil, errors.Wrapf(err, "checkpoints: failed to create directory %q", c.dir)
		}
		klog.V(1).Infof("checkpoints: created directory %q", c.dir)
	case err != nil:
		return nil, errors.Wrapf(err, "checkpoints: failed to access %q", c.dir)
	}
	cfg := *c
	return &Store{config: &cfg}, nil
}

// Store saves and loads checkpoints in a directory. Create it with Build.
//
// Callers must serialize calls to Save on the same directory.
type Store struct {
	config *Config
}

// String implements fmt.Stringer.
func (s *Store) String() string {
	return fmt.Sprintf("checkpoints.Store(%q)", s.config.dir)
}

// Dir where checkpoints are stored.
func (s *Store) Dir() string { return s.config.dir }

// ModelID used as prefix of the checkpoint ids.
func (s *Store) ModelID() string { return s.config.modelID }

// Checkpoint is a saved ParameterMapping plus its metadata.
type Checkpoint struct {
	// ID is the base file name of the checkpoint.
	ID      string
	ModelID string

	CreatedAt time.Time
	Epoch     int

	// Annotations are arbitrary JSON values saved with the checkpoint. See WithAnnotation.
	Annotations map[string]json.RawMessage

	// BinFormat used by the data file.
	BinFormat string

	// Params holds the values of the parameters. It is nil if only the metadata was read.
	Params *ParameterMapping

	// Variables as described in the metadata file.
	Variables []VariableInfo
}

// Annotation decodes the annotation saved under key into dst. It returns false if there is no such annotation.
func (c *Checkpoint) Annotation(key string, dst any) (bool, error) {
	raw, found := c.Annotations[key]
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, errors.Wrapf(err, "checkpoint %q: failed to decode annotation %q", c.ID, key)
	}
	return true, nil
}

// VariableInfo describes a parameter stored in a checkpoint.
type VariableInfo struct {
	// ParameterName is the full variable name, e.g. "last_layer.dense.weights".
	ParameterName string

	// Dimensions of the shape.
	Dimensions []int

	// DType the values are stored in.
	DType dtypes.DType

	// Pos, Length in bytes in the (uncompressed) data file.
	Pos, Length int
}

// serializedData is how the metadata is read and written from storage.
type serializedData struct {
	ModelID     string
	CreatedAt   time.Time
	Epoch       int
	BinFormat   string
	Annotations map[string]json.RawMessage `json:",omitempty"`
	Variables   []VariableInfo
}

// newCheckpointID returns an id not used by any existing checkpoint: if the timestamp collides, a
// "_NNN" suffix is appended, which keeps the lexical order.
func (s *Store) newCheckpointID(now time.Time) (string, error) {
	modelID := s.config.modelID
	if modelID == "" {
		modelID = DefaultModelID
	}
	base := fmt.Sprintf("%s_%s", modelID, now.UTC().Format(TimestampFormat))
	id := base
	for ii := 1; ; ii++ {
		taken := false
		for _, suffix := range []string{JsonNameSuffix, BinDataSuffix} {
			exists, err := fsutil.FileExists(filepath.Join(s.config.dir, id+suffix))
			if err != nil {
				return "", err
			}
			taken = taken || exists
		}
		if !taken {
			return id, nil
		}
		id = fmt.Sprintf("%s_%03d", base, ii)
	}
}

// Save the parameters as a new checkpoint and returns its id. It never overwrites an existing checkpoint.
//
// The data file is written before the metadata file, each through a temporary file renamed into place:
// a checkpoint is only listed once complete.
func (s *Store) Save(params *ParameterMapping, epoch int, options ...SaveOption) (string, error) {
	opts, err := collectSaveOptions(options...)
	if err != nil {
		return "", errors.WithMessagef(err, "%s: invalid save options", s)
	}
	now := s.config.clock()
	id, err := s.newCheckpointID(now)
	if err != nil {
		return "", errors.WithMessagef(err, "%s: failed to pick a checkpoint id", s)
	}
	serialized := &serializedData{
		ModelID:     s.config.modelID,
		CreatedAt:   now.UTC(),
		Epoch:       epoch,
		BinFormat:   s.config.binFormat.String(),
		Annotations: opts.annotations,
		Variables:   make([]VariableInfo, 0, params.Len()),
	}

	var raw bytes.Buffer
	pos := 0
	for name, value := range params.All() {
		if s.config.storeAs != dtypes.InvalidDType {
			if value, err = convertDType(value, s.config.storeAs); err != nil {
				return "", errors.WithMessagef(err, "%s: failed to convert parameter %q", s, name)
			}
		}
		data := tensorBytes(value)
		raw.Write(data)
		serialized.Variables = append(serialized.Variables, VariableInfo{
			ParameterName: name,
			Dimensions:    value.Shape().Dimensions,
			DType:         value.DType(),
			Pos:           pos,
			Length:        len(data),
		})
		pos += len(data)
	}
	binData, err := encodeBinData(raw.Bytes(), s.config.binFormat)
	if err != nil {
		return "", errors.WithMessagef(err, "%s: failed to compress checkpoint data", s)
	}
	binPath := filepath.Join(s.config.dir, id+BinDataSuffix)
	if err = fsutil.WriteFileAtomic(binPath, binData, FilePermMode); err != nil {
		return "", errors.WithMessagef(err, "%s: failed to write checkpoint data file", s)
	}
	jsonData, err := json.MarshalIndent(serialized, "", "\t")
	if err != nil {
		return "", errors.Wrapf(err, "%s: failed to encode checkpoint metadata", s)
	}
	jsonPath := filepath.Join(s.config.dir, id+JsonNameSuffix)
	if err = fsutil.WriteFileAtomic(jsonPath, jsonData, FilePermMode); err != nil {
		_ = os.Remove(binPath)
		return "", errors.WithMessagef(err, "%s: failed to write checkpoint metadata file", s)
	}
	klog.V(1).Infof("%s: saved checkpoint %q (epoch %d, %d parameters)", s, id, epoch, params.Len())
	if err = s.keepNCheckpoints(); err != nil {
		return id, err
	}
	return id, nil
}

// List returns the ids of the checkpoints in the directory in time order (older first).
// If the Store has a ModelID, only the checkpoints with that prefix are listed.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", s)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if strings.HasPrefix(fileName, ".") || !strings.HasSuffix(fileName, JsonNameSuffix) {
			continue
		}
		id := strings.TrimSuffix(fileName, JsonNameSuffix)
		if s.config.modelID != "" && !strings.HasPrefix(id, s.config.modelID+"_") {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Nth returns the checkpoint at position n (0-based) in time order. Negative n counts from the end:
// -1 is the latest.
func (s *Store) Nth(n int) (*Checkpoint, error) {
	ids, err := s.List()
	if err != nil {
		return nil, err
	}
	idx := n
	if idx < 0 {
		idx += len(ids)
	}
	if idx < 0 || idx >= len(ids) {
		return nil, &CheckpointNotFoundError{Dir: s.config.dir, ID: fmt.Sprintf("#%d of %d", n, len(ids))}
	}
	return s.Load(ids[idx])
}

// Latest returns the most recent checkpoint.
func (s *Store) Latest() (*Checkpoint, error) {
	return s.Nth(-1)
}

// Load the checkpoint with the given id.
//
// It returns a *CheckpointNotFoundError if there is no such checkpoint, and a *CheckpointCorruptError
// if its files can't be read or decoded.
func (s *Store) Load(id string) (*Checkpoint, error) {
	return loadFiles(s.config.dir, id, true)
}

// Metadata reads only the metadata file of the checkpoint: the returned Checkpoint has no Params.
func (s *Store) Metadata(id string) (*Checkpoint, error) {
	return loadFiles(s.config.dir, id, false)
}

// LoadPath loads the checkpoint at the given path, with or without the JsonNameSuffix or BinDataSuffix
// extension, e.g. "model_save/LSTM_20240102-150405.000000.json".
func LoadPath(path string) (*Checkpoint, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	path = strings.TrimSuffix(strings.TrimSuffix(path, JsonNameSuffix), BinDataSuffix)
	return loadFiles(filepath.Dir(path), filepath.Base(path), true)
}

func loadFiles(dir, id string, withParams bool) (ckpt *Checkpoint, err error) {
	klog.V(1).Infof("checkpoints: loading %q from %q", id, dir)
	jsonData, err := os.ReadFile(filepath.Join(dir, id+JsonNameSuffix))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &CheckpointNotFoundError{Dir: dir, ID: id}
		}
		return nil, &CheckpointCorruptError{Dir: dir, ID: id, Err: errors.Wrap(err, "reading metadata")}
	}
	corrupt := func(err error) error {
		return &CheckpointCorruptError{Dir: dir, ID: id, Err: err}
	}
	var serialized serializedData
	if err = json.Unmarshal(jsonData, &serialized); err != nil {
		return nil, corrupt(errors.Wrap(err, "decoding metadata"))
	}
	ckpt = &Checkpoint{
		ID:          id,
		ModelID:     serialized.ModelID,
		CreatedAt:   serialized.CreatedAt,
		Epoch:       serialized.Epoch,
		Annotations: serialized.Annotations,
		BinFormat:   serialized.BinFormat,
		Variables:   serialized.Variables,
	}
	if !withParams {
		return ckpt, nil
	}
	binData, err := os.ReadFile(filepath.Join(dir, id+BinDataSuffix))
	if err != nil {
		return nil, corrupt(errors.Wrap(err, "reading data file"))
	}
	// Malformed metadata may trigger panics deep in the decoding (e.g. invalid shapes): they are
	// reported as corruption.
	var decodeErr error
	err = exceptions.TryCatch[error](func() {
		ckpt.Params, decodeErr = decodeParams(binData, serialized.Variables)
	})
	if err == nil {
		err = decodeErr
	}
	if err != nil {
		return nil, corrupt(err)
	}
	return ckpt, nil
}

func decodeParams(binData []byte, variables []VariableInfo) (*ParameterMapping, error) {
	reader, err := newBinDataReader(bytes.NewReader(binData))
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrap(err, "reading data")
	}
	params := NewParameterMapping()
	for _, v := range variables {
		if !isSupportedDType(v.DType) {
			return nil, errors.Errorf("parameter %q: unsupported dtype %s", v.ParameterName, v.DType)
		}
		for _, dim := range v.Dimensions {
			if dim <= 0 {
				return nil, errors.Errorf("parameter %q: invalid dimensions %v", v.ParameterName, v.Dimensions)
			}
		}
		shape := shapes.Make(v.DType, v.Dimensions...)
		if v.Pos < 0 || v.Length != int(shape.Memory()) || v.Pos+v.Length > len(data) {
			return nil, errors.Errorf("parameter %q: %s needs %d bytes at position %d, data has %d bytes",
				v.ParameterName, shape, shape.Memory(), v.Pos, len(data))
		}
		value, err := tensorFromBytes(shape, data[v.Pos:v.Pos+v.Length])
		if err != nil {
			return nil, err
		}
		if params.Has(v.ParameterName) {
			return nil, errors.Errorf("parameter %q stored more than once", v.ParameterName)
		}
		if err = params.Set(v.ParameterName, value); err != nil {
			return nil, err
		}
	}
	return params, nil
}

// keepNCheckpoints removes the oldest checkpoints beyond the configured number.
func (s *Store) keepNCheckpoints() error {
	if s.config.keep < 0 {
		return nil
	}
	ids, err := s.List()
	if err != nil {
		return errors.WithMessagef(err, "%s failed to list saved checkpoints", s)
	}
	if len(ids) <= s.config.keep {
		return nil
	}
	for _, id := range ids[:len(ids)-s.config.keep] {
		// Metadata first, so a partially removed checkpoint is not listed.
		for _, suffix := range []string{JsonNameSuffix, BinDataSuffix} {
			fileName := filepath.Join(s.config.dir, id+suffix)
			if err := os.Remove(fileName); err != nil && !errors.Is(err, os.ErrNotExist) {
				return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", s, fileName)
			}
		}
		klog.V(1).Infof("%s: removed old checkpoint %q", s, id)
	}
	return nil
}

const (
	binHeader     = "flowcast_checkpoints"
	lenBinHeader  = len(binHeader)
	gzipHeader    = "gzip"
	lenGzipHeader = uint8(len(gzipHeader))
)

// Format header of compressed data files:
//
// ------------------------------------------------
// | 0                   19 | 20  | 21    20 +len |
// ------------------------------------------------
// | "flowcast_checkpoints" | len |  "gzip"       |
//
// Uncompressed files have no header.

// encodeBinData returns the contents of the data file for the raw values.
func encodeBinData(raw []byte, bf BinFormat) ([]byte, error) {
	if bf == BinUncompressed {
		return raw, nil
	}
	var buf bytes.Buffer
	buf.WriteString(binHeader)
	buf.WriteByte(lenGzipHeader)
	buf.WriteString(gzipHeader)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, errors.Wrap(err, "gzip")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "gzip")
	}
	return buf.Bytes(), nil
}

// newBinDataReader returns a reader of the decompressed data. Files without header are uncompressed.
func newBinDataReader(r *bytes.Reader) (io.Reader, error) {
	buf := make([]byte, lenBinHeader)
	n, _ := io.ReadFull(r, buf)
	if n < lenBinHeader || string(buf) != binHeader {
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "seek header")
		}
		return r, nil
	}
	var headerZipLen uint8
	if err := binary.Read(r, binary.BigEndian, &headerZipLen); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	format := make([]byte, headerZipLen)
	if _, err := io.ReadFull(r, format); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(format) != gzipHeader {
		return nil, errors.Wrapf(ErrUnsupportedCompression, "format %q", format)
	}
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "read gzip header")
	}
	return zr, nil
}
