package broker

import (
	"fmt"

	"github.com/streadway/amqp"

	"github.com/zoff-tech/go-agentbus/pkg/config"
)

type pooledChannel struct {
	channel     *amqp.Channel
	notifyClose chan *amqp.Error
}

func newConnection(settings *config.BrokerSettings) (*amqp.Connection, error) {
	conn, err := amqp.Dial(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Close existing connection if it exists
	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	connection, err := newConnection(r.settings)
	if err != nil {
		return err
	}
	r.connection = connection

	notifyClose := make(chan *amqp.Error)
	connection.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			r.logger.Warn("RabbitMQ connection closed", "error", err)
		}
	}()

	// Drain and rebuild the channel pool against the new connection.
drain:
	for {
		select {
		case pooledChan := <-r.channelPool:
			pooledChan.channel.Close()
		default:
			break drain
		}
	}

	for i := 0; i < r.settings.PoolSize; i++ {
		channel, err := connection.Channel()
		if err != nil {
			return err
		}
		r.channelPool <- &pooledChannel{
			channel:     channel,
			notifyClose: channel.NotifyClose(make(chan *amqp.Error)),
		}
	}

	r.logger.Info("RabbitMQ connection and channel pool initialized", "pool_size", r.settings.PoolSize)
	return nil
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			if r.connection == nil || r.connection.IsClosed() {
				r.logger.Info("attempting to reconnect to RabbitMQ")
				if err := r.connectAndInitialize(); err != nil {
					r.logger.Error("failed to reconnect to RabbitMQ", "error", err)
				} else {
					r.logger.Info("reconnected to RabbitMQ")
				}
			}
		case <-r.stopReconnect:
			r.logger.Debug("stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	for {
		select {
		case pooledChan := <-r.channelPool:
			select {
			case err := <-pooledChan.notifyClose:
				// Channel is closed, discard it
				r.logger.Debug("discarding closed channel", "error", err)
				continue
			default:
				return pooledChan, nil
			}
		default:
			// Create a new channel if none are available
			channel, err := r.connection.Channel()
			if err != nil {
				return nil, err
			}
			return &pooledChannel{
				channel:     channel,
				notifyClose: channel.NotifyClose(make(chan *amqp.Error)),
			}, nil
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	select {
	case err := <-pooledChan.notifyClose:
		// Channel is closed, discard it
		r.logger.Debug("discarding closed channel", "error", err)
		return
	default:
		select {
		case r.channelPool <- pooledChan:
		default:
			// Pool is full, close the channel
			pooledChan.channel.Close()
		}
	}
}
