package e2ee

import (
	"maunium.net/go/mautrix/crypto/goolm"
)

func init() {
	goolm.Register()
}
