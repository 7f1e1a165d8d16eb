package smoke

import (
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	log "github.com/sirupsen/logrus"
)

const (
	StatusAvailable = "available"

	checkMaxAttempts = 5
)

var checkDelay = time.Second

// RetryCheck calls f up to five times, one second apart, until it reports
// "available". The last result is returned when it never does.
func RetryCheck(f func() string) string {
	var result string
	attempt := 0
	_ = wait.ExponentialBackoff(wait.Backoff{Steps: checkMaxAttempts, Duration: checkDelay, Factor: 1}, func() (bool, error) {
		attempt++
		result = f()
		if result == StatusAvailable {
			return true, nil
		}
		log.Infof("Attempt %d of %d", attempt, checkMaxAttempts)
		if attempt < checkMaxAttempts {
			log.Infof("Waiting %s before rechecking", checkDelay)
		}
		return false, nil
	})
	return result
}
