package connector

import (
	"github.com/hashicorp/go-multierror"

	"github.com/capitalonline/cds-volume-plugin/pkg/common"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/utils"

	log "github.com/sirupsen/logrus"
)

type compensation struct {
	name string
	undo func() error
}

// saga records a compensation for every completed step. rollback runs them
// in reverse and always hands back the error that triggered it.
type saga struct {
	name          string
	compensations []compensation
}

func newSaga(name string) *saga {
	return &saga{name: name}
}

func (s *saga) add(name string, undo func() error) {
	s.compensations = append(s.compensations, compensation{name: name, undo: undo})
}

func (s *saga) rollback(cause error) error {
	log.Warnf("rollback: %s failed, err is: %s", s.name, cause)

	var mErr *multierror.Error
	for i := len(s.compensations) - 1; i >= 0; i-- {
		c := s.compensations[i]
		if err := c.undo(); err != nil {
			mErr = multierror.Append(mErr, common.Rollbackf(err, "%s: %s", s.name, c.name))
			continue
		}
		log.Infof("rollback: %s: %s done", s.name, c.name)
	}
	s.compensations = nil

	if err := mErr.ErrorOrNil(); err != nil {
		log.Errorf("rollback: %s left partial state, err is: %s", s.name, err)
		utils.SentrySendError(err)
	}
	return cause
}
