package providers

import (
	"github.com/smallbiznis/hungerpay/internal/providers/email"
	"github.com/smallbiznis/hungerpay/internal/providers/pdf"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	pdf.Module,
)
