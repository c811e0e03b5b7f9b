package indexclient

import (
	"errors"
	"fmt"

	"github.com/brisbynet/brisby/internal/wire"
)

var (
	errNoProviderAcknowledged = errors.New("indexclient: no provider acknowledged the publish")
	errUnexpectedResponseKind = errors.New("indexclient: unexpected response kind")
)

func errorResponseErr(er wire.ErrorResponse) error {
	return fmt.Errorf("indexclient: provider error %d: %s", er.Code, er.Message)
}
