package photlib

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/photonvis/server/internal/voxel"
)

// Sentinel errors for store loading. Callers distinguish a missing library
// (the build workflow creates one) from a present but unreadable one.
var (
	ErrNotFound = errors.New("photlib: library not found")
	ErrFormat   = errors.New("photlib: malformed library store")
)

const formatVersion = "1"

// Arrays are chunked along the voxel axis; each chunk covers the full channel
// width. All-zero chunks are not written and read back as zero.
const chunkRows = 1024

// storeMetadata is the root metadata.json of a library store.
type storeMetadata struct {
	FormatVersion string   `json:"format_version"`
	NBins         int      `json:"n_bins"`
	NChannels     int      `json:"n_channels"`
	Grid          gridDef  `json:"grid"`
	Options       Options  `json:"options"`
	Arrays        []string `json:"arrays"`
}

// gridDef is the serialized voxel grid definition.
type gridDef struct {
	Min  [3]float64 `json:"min"`
	Max  [3]float64 `json:"max"`
	Dims [3]int     `json:"dims"`
}

func gridToDef(g *voxel.Grid) gridDef {
	min, max := g.Bounds()
	nx, ny, nz := g.Dims()
	return gridDef{
		Min:  [3]float64{min.X, min.Y, min.Z},
		Max:  [3]float64{max.X, max.Y, max.Z},
		Dims: [3]int{nx, ny, nz},
	}
}

func (d gridDef) toGrid() (*voxel.Grid, error) {
	return voxel.NewGrid(
		voxel.Point{X: d.Min[0], Y: d.Min[1], Z: d.Min[2]},
		voxel.Point{X: d.Max[0], Y: d.Max[1], Z: d.Max[2]},
		d.Dims[0], d.Dims[1], d.Dims[2],
	)
}

// arrayMeta is the array.json sitting next to each array's chunk directory.
type arrayMeta struct {
	Shape      [2]int  `json:"shape"`
	DataType   string  `json:"data_type"`
	ChunkShape [2]int  `json:"chunk_shape"`
	FillValue  float32 `json:"fill_value"`
}

// Load reads a library store from disk. The grid definition stored with the
// library is authoritative: when it disagrees with expected the mismatch is
// logged and the stored definition is used, matching the convention that a
// library is generated once and described by its own metadata. A channel
// count mismatch is an error, since the mapping cannot reconcile it.
func Load(path string, expected *voxel.Grid, nChannels int) (*Table, error) {
	metaBytes, err := os.ReadFile(filepath.Join(path, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read library metadata: %w", err)
	}

	var meta storeMetadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, fmt.Errorf("%w: bad metadata.json: %v", ErrFormat, err)
	}
	if meta.FormatVersion != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %q", ErrFormat, meta.FormatVersion)
	}

	grid, err := meta.Grid.toGrid()
	if err != nil {
		return nil, fmt.Errorf("%w: bad grid definition: %v", ErrFormat, err)
	}
	if grid.NBins() != meta.NBins {
		return nil, fmt.Errorf("%w: n_bins %d does not match grid (%d cells)", ErrFormat, meta.NBins, grid.NBins())
	}
	if expected != nil && !grid.Equal(expected) {
		log.Printf("[PhotLib] library %s was generated on a different grid: stored %s, configured %s; using the stored definition",
			path, grid, expected)
	}
	if meta.NChannels != nChannels {
		return nil, fmt.Errorf("%w: library %s has %d channels, mapping expects %d", ErrFormat, path, meta.NChannels, nChannels)
	}

	t, err := newTable(grid, meta.NChannels, meta.Options)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	if err := readArray(dec, filepath.Join(path, "counts"), t.counts, t.nBins, t.nChannels); err != nil {
		return nil, err
	}
	if t.reflCounts != nil {
		if err := readArray(dec, filepath.Join(path, "refl_counts"), t.reflCounts, t.nBins, t.nChannels); err != nil {
			return nil, err
		}
	}
	if t.reflT0 != nil {
		if err := readArray(dec, filepath.Join(path, "refl_t0"), t.reflT0, t.nBins, t.nChannels); err != nil {
			return nil, err
		}
	}
	if t.timingPars != nil {
		if err := readArray(dec, filepath.Join(path, "timing_pars"), t.timingPars, t.nBins, t.nChannels*meta.Options.TimingNPar); err != nil {
			return nil, err
		}
	}

	log.Printf("[PhotLib] loaded library %s: %s, %d channels, reflected=%v refl_t0=%v timing_npar=%d",
		path, grid, t.nChannels, t.opts.Reflected, t.opts.ReflT0, t.opts.TimingNPar)
	return t, nil
}

// Store writes the library to a directory, creating it if needed. The layout
// is metadata.json at the root plus one chunked float32 array per enabled
// component; chunks holding only zeros are skipped.
func (b *BuildTable) Store(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create library directory: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer enc.Close()

	arrays := []string{"counts"}
	if err := writeArray(enc, filepath.Join(path, "counts"), b.counts, b.nBins, b.nChannels); err != nil {
		return err
	}
	if b.reflCounts != nil {
		arrays = append(arrays, "refl_counts")
		if err := writeArray(enc, filepath.Join(path, "refl_counts"), b.reflCounts, b.nBins, b.nChannels); err != nil {
			return err
		}
	}
	if b.reflT0 != nil {
		arrays = append(arrays, "refl_t0")
		if err := writeArray(enc, filepath.Join(path, "refl_t0"), b.reflT0, b.nBins, b.nChannels); err != nil {
			return err
		}
	}
	if b.timingPars != nil {
		arrays = append(arrays, "timing_pars")
		if err := writeArray(enc, filepath.Join(path, "timing_pars"), b.timingPars, b.nBins, b.nChannels*b.opts.TimingNPar); err != nil {
			return err
		}
	}

	meta := storeMetadata{
		FormatVersion: formatVersion,
		NBins:         b.nBins,
		NChannels:     b.nChannels,
		Grid:          gridToDef(b.grid),
		Options:       b.opts,
		Arrays:        arrays,
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, "metadata.json"), metaBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata.json: %w", err)
	}

	log.Printf("[PhotLib] stored library %s: %s, %d channels", path, b.grid, b.nChannels)
	return nil
}

func writeArray(enc *zstd.Encoder, arrayPath string, data []float32, rows, cols int) error {
	meta := arrayMeta{
		Shape:      [2]int{rows, cols},
		DataType:   "float32",
		ChunkShape: [2]int{chunkRows, cols},
		FillValue:  0,
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode array metadata: %w", err)
	}
	if err := os.MkdirAll(arrayPath, 0o755); err != nil {
		return fmt.Errorf("failed to create array directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(arrayPath, "array.json"), metaBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write array.json: %w", err)
	}

	nChunks := (rows + chunkRows - 1) / chunkRows
	raw := make([]byte, 0, chunkRows*cols*4)
	for chunk := 0; chunk < nChunks; chunk++ {
		rowStart := chunk * chunkRows
		rowLen := min(chunkRows, rows-rowStart)
		vals := data[rowStart*cols : (rowStart+rowLen)*cols]

		if allZero(vals) {
			continue
		}

		raw = raw[:0]
		for _, v := range vals {
			raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(v))
		}
		compressed := enc.EncodeAll(raw, nil)

		chunkDir := filepath.Join(arrayPath, "c", strconv.Itoa(chunk))
		if err := os.MkdirAll(chunkDir, 0o755); err != nil {
			return fmt.Errorf("failed to create chunk directory: %w", err)
		}
		if err := os.WriteFile(filepath.Join(chunkDir, "0"), compressed, 0o644); err != nil {
			return fmt.Errorf("failed to write chunk %d: %w", chunk, err)
		}
	}
	return nil
}

func readArray(dec *zstd.Decoder, arrayPath string, dst []float32, rows, cols int) error {
	name := filepath.Base(arrayPath)

	metaBytes, err := os.ReadFile(filepath.Join(arrayPath, "array.json"))
	if err != nil {
		return fmt.Errorf("%w: missing %s/array.json: %v", ErrFormat, name, err)
	}
	var meta arrayMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return fmt.Errorf("%w: bad %s/array.json: %v", ErrFormat, name, err)
	}
	if meta.DataType != "float32" {
		return fmt.Errorf("%w: array %s has data_type %q", ErrFormat, name, meta.DataType)
	}
	if meta.Shape != [2]int{rows, cols} {
		return fmt.Errorf("%w: array %s shape %v, expected [%d %d]", ErrFormat, name, meta.Shape, rows, cols)
	}
	rowChunk := meta.ChunkShape[0]
	if rowChunk < 1 || meta.ChunkShape[1] != cols {
		return fmt.Errorf("%w: array %s chunk shape %v", ErrFormat, name, meta.ChunkShape)
	}

	nChunks := (rows + rowChunk - 1) / rowChunk
	for chunk := 0; chunk < nChunks; chunk++ {
		rowStart := chunk * rowChunk
		rowLen := min(rowChunk, rows-rowStart)

		compressed, err := os.ReadFile(filepath.Join(arrayPath, "c", strconv.Itoa(chunk), "0"))
		if err != nil {
			// A missing chunk was all fill value at store time.
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to read %s chunk %d: %w", name, chunk, err)
		}
		raw, err := dec.DecodeAll(compressed, nil)
		if err != nil {
			return fmt.Errorf("%w: array %s chunk %d: zstd: %v", ErrFormat, name, chunk, err)
		}
		if len(raw) != rowLen*cols*4 {
			return fmt.Errorf("%w: array %s chunk %d has %d bytes, expected %d", ErrFormat, name, chunk, len(raw), rowLen*cols*4)
		}

		out := dst[rowStart*cols : (rowStart+rowLen)*cols]
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	}
	return nil
}

func allZero(vals []float32) bool {
	for _, v := range vals {
		if v != 0 {
			return false
		}
	}
	return true
}
