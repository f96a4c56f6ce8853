package notifications

import (
	"os"
	"testing"

	"github.com/mrcode/therapy-settings/internal/logger"
)

func TestMain(m *testing.M) {
	logger.Disable()
	os.Exit(m.Run())
}
