package health

import (
	"context"

	"github.com/keithlinneman/viewerboot/internal/xerrors"
)

// ReadyReporter is satisfied by *viewer.Session.
type ReadyReporter interface {
	ReadyErr() error
}

// SessionReady fails until the viewer session accepts loads.
func SessionReady(s ReadyReporter) CheckFunc {
	return func(context.Context) error {
		if s == nil {
			return xerrors.New("viewer: no session")
		}
		if err := s.ReadyErr(); err != nil {
			return xerrors.Wrap(err, "viewer")
		}
		return nil
	}
}
