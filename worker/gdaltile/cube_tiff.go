package gdaltile

// #include <stdlib.h>
// #include "gdal.h"
// #include "cpl_string.h"
// #include "gdal_calls.h"
// #cgo pkg-config: gdal
import "C"

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"github.com/nci/treespec/processor"
)

// GTiffCubeWriter writes cubes as float32 GeoTIFFs georeferenced to the
// cropped window, with NaN as nodata.
type GTiffCubeWriter struct {
	Dir string
}

func NewGTiffCubeWriter(dir string) *GTiffCubeWriter {
	InitGdal()
	return &GTiffCubeWriter{Dir: dir}
}

func (w *GTiffCubeWriter) WriteCube(tree *processor.TreeRecord, sub *processor.SubCube) (string, error) {
	name, err := processor.CubeName(tree)
	if err != nil {
		return "", err
	}
	name = strings.TrimSuffix(name, filepath.Ext(name)) + ".tif"
	path := filepath.Join(w.Dir, name)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("cube %s already exists", path)
	}
	if sub.BandCount() == 0 || sub.PixelCount() == 0 {
		return "", fmt.Errorf("tree %s: cannot write an empty cube", tree.TreeID)
	}

	tmp := filepath.Join(w.Dir, ".tmp-"+name)
	if err := writeGTiff(tmp, sub); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write cube for tree %s: %v", tree.TreeID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

func (w *GTiffCubeWriter) RemoveCube(path string) error {
	return os.Remove(path)
}

func writeGTiff(path string, sub *processor.SubCube) error {
	cDriver := C.CString("GTiff")
	defer C.free(unsafe.Pointer(cDriver))
	driver := C.GDALGetDriverByName(cDriver)
	if driver == nil {
		return fmt.Errorf("GDAL GTiff driver is not available")
	}

	var opts **C.char
	for _, o := range []string{"COMPRESS=DEFLATE", "INTERLEAVE=BAND"} {
		cOpt := C.CString(o)
		opts = C.CSLAddString(opts, cOpt)
		C.free(unsafe.Pointer(cOpt))
	}
	defer C.CSLDestroy(opts)

	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))
	var errBuf gdalErrBuf
	ds := C.tsCreate(driver, cPath, C.int(sub.Width), C.int(sub.Height), C.int(sub.BandCount()), opts, errBuf.ptr(), errBuf.size())
	if ds == nil {
		return fmt.Errorf("GDAL could not create %s: %s", path, errBuf.String())
	}

	gt := sub.GeoTransform
	x0, y0 := float64(sub.OffX), float64(sub.OffY)
	cGT := [6]C.double{
		C.double(gt[0] + x0*gt[1] + y0*gt[2]), C.double(gt[1]), C.double(gt[2]),
		C.double(gt[3] + x0*gt[4] + y0*gt[5]), C.double(gt[4]), C.double(gt[5]),
	}
	C.GDALSetGeoTransform(ds, &cGT[0])
	if sub.Projection != "" {
		cProj := C.CString(sub.Projection)
		C.GDALSetProjection(ds, cProj)
		C.free(unsafe.Pointer(cProj))
	}
	for b := 1; b <= sub.BandCount(); b++ {
		C.GDALSetRasterNoDataValue(C.GDALGetRasterBand(ds, C.int(b)), C.double(math.NaN()))
	}

	cErr := C.tsRasterIO(ds, C.GF_Write, 0, 0, C.int(sub.Width), C.int(sub.Height),
		unsafe.Pointer(&sub.Data[0]), C.int(sub.BandCount()), nil, errBuf.ptr(), errBuf.size())
	C.GDALClose(ds)
	if cErr != C.CE_None {
		return fmt.Errorf("GDAL write to %s failed: %s", path, errBuf.String())
	}
	return nil
}
