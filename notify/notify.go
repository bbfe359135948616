// Package notify publishes job transitions and playbook events to an MQTT
// broker so dashboards can follow device work without polling.
//
// Topics:
//
//	<topic>/jobs/<job id>          one message per job status change
//	<topic>/playbooks/<playbook>   one message per playbook event
//
// Payloads are JSON. Publishing is asynchronous: a full queue drops the
// message and logs the drop, so a slow broker never stalls device I/O.
package notify

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"tl1assist/config"
	"tl1assist/internal/ratelimit"
	"tl1assist/jobs"
	"tl1assist/playbook"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultQueue   = 256
	publishTimeout = 5 * time.Second
)

type message struct {
	topic   string
	payload []byte
}

// sendFunc delivers one message; the MQTT client is the production sender.
type sendFunc func(topic string, payload []byte) error

// Publisher fans job and playbook updates out to MQTT.
type Publisher struct {
	base   string
	client mqtt.Client
	send   sendFunc

	queue    chan message
	shutdown chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	dropped  ratelimit.Counter
	failures ratelimit.Counter
}

// PlaybookMessage is the payload of a playbook event.
type PlaybookMessage struct {
	Run   string         `json:"run"`
	Event playbook.Event `json:"event"`
	Error string         `json:"error,omitempty"`
}

// Connect dials the broker described by cfg and starts the publish loop.
func Connect(cfg config.NotifyConfig) (*Publisher, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("notify: broker is empty")
	}
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)
	opts.AddBroker(brokerURL)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("tl1assist-%d", time.Now().Unix())
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("Notify: connected to %s", brokerURL)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("Notify: connection lost: %v (will reconnect)", err)
	})

	client := mqtt.NewClient(opts)
	log.Printf("Notify: connecting to MQTT broker at %s...", brokerURL)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("notify: connect %s: %w", brokerURL, token.Error())
	}

	qos := byte(cfg.QoS)
	p := newPublisher(cfg.Topic, func(topic string, payload []byte) error {
		tok := client.Publish(topic, qos, false, payload)
		if !tok.WaitTimeout(publishTimeout) {
			return fmt.Errorf("publish %s: timed out", topic)
		}
		return tok.Error()
	})
	p.client = client
	return p, nil
}

func newPublisher(base string, send sendFunc) *Publisher {
	base = strings.Trim(strings.TrimSpace(base), "/")
	if base == "" {
		base = "tl1assist"
	}
	p := &Publisher{
		base:     base,
		send:     send,
		queue:    make(chan message, defaultQueue),
		shutdown: make(chan struct{}),
		dropped:  ratelimit.NewCounter(time.Minute),
		failures: ratelimit.NewCounter(time.Minute),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

func (p *Publisher) loop() {
	defer p.wg.Done()
	for {
		select {
		case msg := <-p.queue:
			p.deliver(msg)
		case <-p.shutdown:
			for {
				select {
				case msg := <-p.queue:
					p.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) deliver(msg message) {
	if err := p.send(msg.topic, msg.payload); err != nil {
		if total, ok := p.failures.Inc(); ok {
			log.Printf("Notify: publish failed (total=%d): %v", total, err)
		}
	}
}

func (p *Publisher) enqueue(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("Notify: encode %s: %v", topic, err)
		return
	}
	select {
	case <-p.shutdown:
		return
	default:
	}
	select {
	case p.queue <- message{topic: topic, payload: payload}:
	default:
		if total, ok := p.dropped.Inc(); ok {
			log.Printf("Notify: queue full, dropped %s (total=%d)", topic, total)
		}
	}
}

// JobUpdated publishes a job snapshot; it satisfies jobs.Observer.
func (p *Publisher) JobUpdated(j jobs.Job) {
	p.enqueue(p.base+"/jobs/"+topicSegment(j.ID), j)
}

// PlaybookEvent publishes one event of the named run.
func (p *Publisher) PlaybookEvent(run string, ev playbook.Event) {
	msg := PlaybookMessage{Run: run, Event: ev}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	p.enqueue(p.base+"/playbooks/"+topicSegment(ev.Playbook), msg)
}

// Dropped reports how many messages were discarded on a full queue.
func (p *Publisher) Dropped() uint64 { return p.dropped.Total() }

// Stop flushes queued messages and disconnects.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.shutdown)
		p.wg.Wait()
		if p.client != nil && p.client.IsConnected() {
			p.client.Disconnect(250)
		}
		log.Println("Notify: publisher stopped")
	})
}

// topicSegment keeps MQTT wildcards and separators out of a topic level.
func topicSegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unnamed"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ':
			return '_'
		}
		return r
	}, s)
}
