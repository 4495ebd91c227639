package ratelimit

import "github.com/tempohq/tempo/internal/xerrors"

func errUnknownOperation(op string) error {
	return xerrors.E(xerrors.KindNotFound, "unknown rate limit operation "+op)
}
