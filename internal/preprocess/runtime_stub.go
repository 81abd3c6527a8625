//go:build !govips || !cgo

package preprocess

func Startup() error {
	return nil
}

func Shutdown() {}

func newScaler() Scaler {
	return stdlibScaler{}
}
