package payment

import (
	"github.com/smallbiznis/hungerpay/internal/payment/mpesa"
	"github.com/smallbiznis/hungerpay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/hungerpay/internal/payment/service"
	"github.com/smallbiznis/hungerpay/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(mpesa.NewClient),
	fx.Provide(mpesa.Provide),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)
