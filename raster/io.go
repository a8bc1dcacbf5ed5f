package raster

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Cache file layout: a little-endian header followed by band-major float64
// pixel data, gzip-compressed when the filename ends in .gz. Chips and
// composites are pure functions of their source rasters, so the format
// favors exact round-trips over size.
const (
	rasterMagic   = uint32(0x54525543) // "TRUC"
	rasterVersion = uint16(1)
)

// Ext is the extension used for cached rasters.
const Ext = ".ras.gz"

// WriteFile writes the raster to fn, gzipping when fn ends in .gz.
func (r *Raster) WriteFile(fn string) error {
	if err := r.Validate(); err != nil {
		return err
	}
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer f.Close()

	var out io.Writer = f
	var gout *gzip.Writer
	if filepath.Ext(fn) == ".gz" {
		gout = gzip.NewWriter(f)
		out = gout
	}
	if err := r.WriteTo(out); err != nil {
		return err
	}
	if gout != nil {
		if err := gout.Close(); err != nil {
			return err
		}
	}
	return f.Sync()
}

// WriteTo writes the raster encoding to out.
func (r *Raster) WriteTo(out io.Writer) error {
	w := bufio.NewWriter(out)
	for _, v := range []interface{}{
		rasterMagic,
		rasterVersion,
		int32(r.width),
		int32(r.height),
		int32(len(r.bands)),
		r.Transform.OriginX,
		r.Transform.OriginY,
		r.Transform.PixelSize,
		r.Date.Unix(),
	} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if err := writeString(w, r.CRS); err != nil {
		return err
	}
	if err := writeString(w, r.Location); err != nil {
		return err
	}
	for _, band := range r.bands {
		if err := binary.Write(w, binary.LittleEndian, band); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadFile reads a raster cached by WriteFile.
func ReadFile(fn string) (*Raster, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, errors.Wrapf(ErrInputRaster, "open %s: %v", fn, err)
	}
	defer f.Close()

	var in io.Reader = f
	if filepath.Ext(fn) == ".gz" {
		gin, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(ErrInputRaster, "gzip %s: %v", fn, err)
		}
		defer gin.Close()
		in = gin
	}
	r, err := Read(in)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", fn)
	}
	return r, nil
}

// Read decodes a raster from in.
func Read(in io.Reader) (*Raster, error) {
	rd := bufio.NewReader(in)

	var magic uint32
	var version uint16
	var width, height, numBands int32
	var tf Transform
	var dateUnix int64
	for _, v := range []interface{}{&magic, &version, &width, &height, &numBands, &tf.OriginX, &tf.OriginY, &tf.PixelSize, &dateUnix} {
		if err := binary.Read(rd, binary.LittleEndian, v); err != nil {
			return nil, errors.Wrapf(ErrInputRaster, "truncated header: %v", err)
		}
	}
	if magic != rasterMagic {
		return nil, errors.Wrapf(ErrInputRaster, "bad magic %x", magic)
	}
	if version != rasterVersion {
		return nil, errors.Wrapf(ErrInputRaster, "unsupported version %d", version)
	}
	crs, err := readString(rd)
	if err != nil {
		return nil, errors.Wrap(ErrInputRaster, err.Error())
	}
	location, err := readString(rd)
	if err != nil {
		return nil, errors.Wrap(ErrInputRaster, err.Error())
	}
	r, err := New(int(width), int(height), int(numBands))
	if err != nil {
		return nil, err
	}
	r.Transform = tf
	r.CRS = crs
	r.Location = location
	r.Date = time.Unix(dateUnix, 0).UTC()
	for b := range r.bands {
		if err := binary.Read(rd, binary.LittleEndian, r.bands[b]); err != nil {
			return nil, errors.Wrapf(ErrInputRaster, "truncated band %d: %v", b, err)
		}
	}
	return r, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, int32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	var n int32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n < 0 || n > 1<<20 {
		return "", errors.Errorf("implausible string length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
