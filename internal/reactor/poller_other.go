//go:build !unix

package reactor

import "errors"

func newPoller() (poller, error) {
	return nil, errors.New("reactor: no poller for this platform")
}
