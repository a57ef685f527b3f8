package zkclient

import (
	stderr "errors"

	"github.com/go-zookeeper/zk"

	"github.com/walsplit/splitlog/pkg/errors"
)

// classify maps a go-zookeeper/zk error onto the error taxonomy spec.md
// §4.1 requires the Coordination Client to surface upward: NoNode,
// NodeExists, BadVersion, SessionExpired, Other.
func classify(op string, path string, err error) *errors.SplitLogError {
	if err == nil {
		return nil
	}

	var code errors.ErrorCode
	switch {
	case stderr.Is(err, zk.ErrNoNode):
		code = errors.ErrCodeNoNode
	case stderr.Is(err, zk.ErrNodeExists):
		code = errors.ErrCodeNodeExists
	case stderr.Is(err, zk.ErrBadVersion):
		code = errors.ErrCodeBadVersion
	case stderr.Is(err, zk.ErrSessionExpired), stderr.Is(err, zk.ErrSessionMoved):
		code = errors.ErrCodeSessionExpired
	case stderr.Is(err, zk.ErrConnectionClosed):
		code = errors.ErrCodeConnectionFailed
	case stderr.Is(err, zk.ErrNoServer):
		code = errors.ErrCodeConnectionFailed
	default:
		code = errors.ErrCodeCoordOther
	}

	return errors.NewError(code, err.Error()).
		WithComponent("zkclient").
		WithOperation(op).
		WithContext("path", path).
		WithCause(err)
}

// isTransient reports whether a classified error is worth retrying: a
// connection blip, not a logical conflict or a fatal session loss.
func isTransient(e *errors.SplitLogError) bool {
	switch e.Code {
	case errors.ErrCodeConnectionFailed, errors.ErrCodeConnectionTimeout, errors.ErrCodeNetworkError, errors.ErrCodeCoordOther:
		return true
	default:
		return false
	}
}

func isSessionExpired(e *errors.SplitLogError) bool {
	return e != nil && e.Code == errors.ErrCodeSessionExpired
}
