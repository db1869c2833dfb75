package gdaltile

// #include "gdal.h"
// #include "gdal_frmts.h"
// #cgo pkg-config: gdal
import "C"

import (
	"os"
	"sync"
)

var initOnce sync.Once

// InitGdal configures the GDAL environment and registers the drivers.
// It is safe to call more than once.
func InitGdal() {
	initOnce.Do(func() {
		setDefaultEnv("GDAL_PAM_ENABLED", "NO")
		setDefaultEnv("GDAL_DISABLE_READDIR_ON_OPEN", "EMPTY_DIR")
		setDefaultEnv("GDAL_MAX_DATASET_POOL_SIZE", "10")
		registerGDALDrivers()
	})
}

func setDefaultEnv(envVar string, defaultVal string) {
	if _, ok := os.LookupEnv(envVar); !ok {
		os.Setenv(envVar, defaultVal)
	}
}

// registerGDALDrivers places GTiff at the front of the driver list, since
// drivers are probed in a linear scan when opening files.
func registerGDALDrivers() {
	var haveGTiff bool
	C.GDALAllRegister()
	for i := 0; i < int(C.GDALGetDriverCount()); i++ {
		driver := C.GDALGetDriver(C.int(i))
		if C.GoString(C.GDALGetDriverShortName(driver)) == "GTiff" {
			haveGTiff = true
		}
	}
	if !haveGTiff {
		return
	}

	for C.GDALGetDriverCount() > 0 {
		C.GDALDeregisterDriver(C.GDALGetDriver(0))
	}
	C.GDALRegister_GTiff()
	C.GDALAllRegister()
}
