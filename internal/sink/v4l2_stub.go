//go:build !linux

package sink

import "fmt"

func openV4L2(cfg Config) (Sink, error) {
	return nil, &InitError{Backend: "v4l2", Err: fmt.Errorf("v4l2 output is only supported on linux")}
}
