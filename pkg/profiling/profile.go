package profiling

import (
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

// InitCPUProfiling starts writing a CPU profile to the given path and returns
// a function that stops profiling and flushes the file.
func InitCPUProfiling(path string) func() {
	logrus.WithField("path", path).Info("writing CPU profile")

	file, err := os.Create(path)
	if err != nil {
		logrus.WithError(err).Fatal("could not create CPU profile")
	}

	if err := pprof.StartCPUProfile(file); err != nil {
		logrus.WithError(err).Fatal("could not start CPU profile")
	}

	return func() {
		pprof.StopCPUProfile()

		if err := file.Close(); err != nil {
			logrus.WithError(err).Error("could not close CPU profile")
		}
	}
}

// InitMemoryProfiling returns a function that captures a heap profile to the
// given path. Meant to be called right before the process exits.
func InitMemoryProfiling(path string) func() {
	return func() {
		logrus.WithField("path", path).Info("writing memory profile")

		file, err := os.Create(path)
		if err != nil {
			logrus.WithError(err).Error("could not create memory profile")
			return
		}

		runtime.GC()

		if err := pprof.WriteHeapProfile(file); err != nil {
			logrus.WithError(err).Error("could not write memory profile")
		}

		if err := file.Close(); err != nil {
			logrus.WithError(err).Error("could not close memory profile")
		}
	}
}
