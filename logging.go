package herald

import "github.com/sirupsen/logrus"

// componentLogger returns a logrus entry scoped to one core component. Every
// component of this package logs through one of these rather than the package
// logger directly, so field sets stay consistent (peer, subject, access).
func componentLogger(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}
