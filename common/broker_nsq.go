/*
 * Copyright Morpheo Org. 2017
 * 
 * contact@morpheo.co
 * 
 * This software is part of the Morpheo project, an open-source machine
 * learning platform.
 * 
 * This software is governed by the CeCILL license, compatible with the
 * GNU GPL, under French law and abiding by the rules of distribution of
 * free software. You can  use, modify and/ or redistribute the software
 * under the terms of the CeCILL license as circulated by CEA, CNRS and
 * INRIA at the following URL "http://www.cecill.info".
 * 
 * As a counterpart to the access to the source code and  rights to copy,
 * modify and redistribute granted by the license, users are provided only
 * with a limited warranty  and the software's author,  the holder of the
 * economic rights,  and the successive licensors  have only  limited
 * liability.
 * 
 * In this respect, the user's attention is drawn to the risks associated
 * with loading,  using,  modifying and/or developing or reproducing the
 * software by the user in light of its specific status of free software,
 * that may mean  that it is complicated to manipulate,  and  that  also
 * therefore means  that it is reserved for developers  and  experienced
 * professionals having in-depth computer knowledge. Users are therefore
 * encouraged to load and test the software's suitability as regards their
 * requirements in conditions enabling the security of their systems and/or
 * data to be ensured and,  more generally, to use and operate it in the
 * same conditions as regards security.
 * 
 * The fact that you are presently reading this means that you have had
 * knowledge of the CeCILL license and that you accept its terms.
 */

package common

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/rs/zerolog"
)

const (
	// BrokerNSQ identifies the NSQ broker type among other brokers (used when the user specifies the
	// broker to be used as a CLI flag)
	BrokerNSQ = "nsq"

	// touchInterval must stay below nsqd's message timeout (1 minute by default)
	touchInterval = 20 * time.Second
)

// nsqLogger forwards go-nsq's internal logs to zerolog
type nsqLogger struct {
	logger zerolog.Logger
}

func (l nsqLogger) Output(calldepth int, s string) error {
	l.logger.Debug().Msg(s)
	return nil
}

// ProducerNSQ is an implementation of our Producer interface for NSQ
type ProducerNSQ struct {
	NsqProducer *nsq.Producer
}

// NewNSQProducer creates an instance of NSQProducer. Produced messages are sent to an Nsqd instance
// accessible under the given (host, port) TCP/IP destination
func NewNSQProducer(hostname string, port int, logger zerolog.Logger) (p *ProducerNSQ, err error) {
	p = &ProducerNSQ{}

	config := nsq.NewConfig()
	p.NsqProducer, err = nsq.NewProducer(fmt.Sprintf("%s:%d", hostname, port), config)
	if err != nil {
		return nil, fmt.Errorf("[nsq] Error creating NSQ producer: %w", err)
	}
	p.NsqProducer.SetLogger(nsqLogger{logger.With().Str("component", "nsq-producer").Logger()}, nsq.LogLevelInfo)

	return p, nil
}

// Push sends a message to the nsqd instance bound to p under a given topic
func (p *ProducerNSQ) Push(topic string, body []byte) (err error) {
	err = p.NsqProducer.Publish(topic, body)
	if err != nil {
		return fmt.Errorf("[nsq] Error publishing to NSQ: %w", err)
	}
	return nil
}

// Stop stops the NSQProducer instances (no more messages will be forwarded to nsqd)
func (p *ProducerNSQ) Stop() {
	p.NsqProducer.Stop()
}

// ConsumerNSQ implements an NSQ version of our Consumer interface
type ConsumerNSQ struct {
	NsqConsumer          map[string]*nsq.Consumer
	LookupUrls           []string
	QueuePollingInterval time.Duration
	Channel              string
	MaxAttempts          uint16

	handlers []*handlerWrapper
	logger   zerolog.Logger
}

// NewNSQConsumer instantiates ConsumerNSQ for the provided channel, using provided nsqlookupd URLs
func NewNSQConsumer(lookupUrls []string, channel string, queuePollingInterval time.Duration, maxAttempts uint16, logger zerolog.Logger) (c *ConsumerNSQ) {
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	return &ConsumerNSQ{
		LookupUrls:           lookupUrls,
		Channel:              channel,
		QueuePollingInterval: queuePollingInterval,
		MaxAttempts:          maxAttempts,
		NsqConsumer:          map[string]*nsq.Consumer{},
		logger:               logger.With().Str("component", "nsq-consumer").Logger(),
	}
}

// ConsumeUntilKilled listens for messages on the registered (topic, channel) pairs until ctx is
// done or all the consumers stop
func (c *ConsumerNSQ) ConsumeUntilKilled(ctx context.Context) {
	// Tasks in flight are cancelled along with the consumer
	for _, hw := range c.handlers {
		hw.parent = ctx
	}

	for topic, consumer := range c.NsqConsumer {
		go func(topic string, nsqConsumer *nsq.Consumer) {
			for {
				err := nsqConsumer.ConnectToNSQLookupds(c.LookupUrls)
				if err == nil {
					break
				}

				c.logger.Warn().Err(err).Str("topic", topic).Msg("Cannot reach nsqlookupd, retrying")
				select {
				case <-ctx.Done():
					return
				case <-time.After(c.QueuePollingInterval):
				}
			}
			c.logger.Info().Str("topic", topic).Msg("Topic found, let's start consuming messages...")
		}(topic, consumer)
	}

	go func() {
		<-ctx.Done()
		for _, consumer := range c.NsqConsumer {
			consumer.Stop()
		}
	}()

	// Let's block until all the consumers stop
	for _, consumer := range c.NsqConsumer {
		<-consumer.StopChan
	}
}

// AddHandler adds a handler function (with a tunable level of concurrency) to our NSQ consumer
func (c *ConsumerNSQ) AddHandler(topic string, handler Handler, concurrency int, timeout time.Duration) error {
	c.logger.Info().Int("concurrency", concurrency).Str("topic", topic).Msg("Adding handler(s)")

	// Let's add our handler to that (topic, channel) tuple
	config := nsq.NewConfig()
	config.LookupdPollInterval = c.QueuePollingInterval
	config.MaxAttempts = c.MaxAttempts
	config.MaxInFlight = concurrency

	consumer, err := nsq.NewConsumer(topic, c.Channel, config)
	if err != nil {
		return fmt.Errorf("[nsq] Error creating NSQ Consumer for topic %s: %w", topic, err)
	}
	consumer.SetLogger(nsqLogger{c.logger}, nsq.LogLevelInfo)
	hw := newHandlerWrapper(handler, timeout, c.logger)
	consumer.AddConcurrentHandlers(hw, concurrency)
	c.NsqConsumer[topic] = consumer
	c.handlers = append(c.handlers, hw)

	return nil
}

type handlerWrapper struct {
	handler Handler
	timeout time.Duration
	logger  zerolog.Logger

	// parent is set before any message is received
	parent context.Context
}

func newHandlerWrapper(handler Handler, timeout time.Duration, logger zerolog.Logger) *handlerWrapper {
	return &handlerWrapper{
		handler: handler,
		timeout: timeout,
		logger:  logger,
		parent:  context.Background(),
	}
}

// HandleMessage runs the handler and responds to nsqd: a successful task or a *FatalTaskError
// finishes the message, any other error requeues it with backoff
func (hw *handlerWrapper) HandleMessage(message *nsq.Message) error {
	hw.logger.Debug().Uint16("attempts", message.Attempts).Msg("Received task")
	message.DisableAutoResponse()

	ctx, cancel := context.WithTimeout(hw.parent, hw.timeout)
	defer cancel()

	// Runs outlast nsqd's message timeout, let's keep the message in flight while we work on it
	go func() {
		ticker := time.NewTicker(touchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				message.Touch()
			}
		}
	}()

	err := hw.handler(hw.logger.WithContext(ctx), message.Body)

	var fatal *FatalTaskError
	var retry *TaskError
	switch {
	case err == nil:
		message.Finish()
		return nil
	case errors.As(err, &fatal):
		hw.logger.Error().Err(err).Msg("Fatal error in handler, the task won't be requeued")
		message.Finish()
		return nil
	case errors.As(err, &retry):
		hw.logger.Warn().Err(err).Uint16("attempts", message.Attempts).Msg("Task failed, requeuing it")
	default:
		hw.logger.Error().Err(err).Uint16("attempts", message.Attempts).Msg("Error in handler, requeuing the task")
	}
	message.Requeue(-1)
	return err
}
