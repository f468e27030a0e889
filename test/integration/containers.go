package integration

import (
	"context"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
)

type Env struct {
	PG      *postgres.PostgresContainer
	Rabbit  *rabbitmq.RabbitMQContainer
	PGURL   string
	AmqpURL string
	Cancel  context.CancelFunc
}

func Setup(ctx context.Context) (*Env, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("checkout"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		cancel()
		return nil, err
	}

	pgURL, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		cancel()
		return nil, err
	}

	rabbitC, err := rabbitmq.Run(ctx,
		"rabbitmq:3.12-alpine",
		rabbitmq.WithAdminUsername("guest"),
		rabbitmq.WithAdminPassword("guest"),
	)
	if err != nil {
		cancel()
		return nil, err
	}

	amqpURL, err := rabbitC.AmqpURL(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	return &Env{
		PG:      pgC,
		Rabbit:  rabbitC,
		PGURL:   pgURL,
		AmqpURL: amqpURL,
		Cancel:  cancel,
	}, nil
}

func (e *Env) Teardown(ctx context.Context) {
	e.Cancel()
	_ = e.Rabbit.Terminate(ctx)
	_ = e.PG.Terminate(ctx)
}
