package rtc

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestPionLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := pionLogger{l: zerolog.New(&buf).Level(zerolog.InfoLevel)}

	l.Debugf("hidden %d", 1)
	l.Infof("ice %s", "checking")
	l.Errorf("dtls %v", "failed")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"level":"info","message":"ice checking"`)
	assert.Contains(t, out, `"level":"error","message":"dtls failed"`)
}

func TestLoggerFactoryScope(t *testing.T) {
	l := loggerFactory{}.NewLogger("ice")
	assert.IsType(t, pionLogger{}, l)
}
