package queue

import (
	"github.com/streadway/amqp"
)

// MockAMQPConnection is a mock implementation of AMQPConnection for testing
type MockAMQPConnection struct {
	MockChannel AMQPChannel
	ChannelErr  error
	CloseErr    error

	ChannelCalled bool
	CloseCalled   bool
}

func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	m.ChannelCalled = true
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}

func (m *MockAMQPConnection) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAMQPChannel is a mock implementation of AMQPChannel for testing
type MockAMQPChannel struct {
	// PublishedMessages stores all published messages for verification
	PublishedMessages []amqp.Publishing
	// PublishedKeys stores routing keys for published messages
	PublishedKeys []string
	// Deliveries feeds Consume; close it to end a consumer loop
	Deliveries chan amqp.Delivery
	// QueueDepths maps queue name to the message count QueueInspect reports
	QueueDepths map[string]int

	QueueDeclareErr error
	PublishErr      error
	ConsumeErr      error
	QosErr          error
	InspectErr      error
	CloseErr        error

	DeclaredQueues []string
	QosPrefetch    int
	CloseCalled    bool
}

func NewMockAMQPChannel() *MockAMQPChannel {
	return &MockAMQPChannel{
		Deliveries:  make(chan amqp.Delivery, 16),
		QueueDepths: map[string]int{},
	}
}

func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	m.DeclaredQueues = append(m.DeclaredQueues, name)
	return amqp.Queue{Name: name}, nil
}

func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.PublishedMessages = append(m.PublishedMessages, msg)
	m.PublishedKeys = append(m.PublishedKeys, key)
	return nil
}

func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}
	return m.Deliveries, nil
}

func (m *MockAMQPChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if m.QosErr != nil {
		return m.QosErr
	}
	m.QosPrefetch = prefetchCount
	return nil
}

func (m *MockAMQPChannel) QueueInspect(name string) (amqp.Queue, error) {
	if m.InspectErr != nil {
		return amqp.Queue{}, m.InspectErr
	}
	return amqp.Queue{Name: name, Messages: m.QueueDepths[name]}, nil
}

func (m *MockAMQPChannel) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAMQPDialer is a mock implementation of AMQPDialer for testing
type MockAMQPDialer struct {
	MockConnection AMQPConnection
	DialErr        error

	DialCalled bool
	LastURL    string
}

func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	m.DialCalled = true
	m.LastURL = url
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.MockConnection, nil
}

// SetupMockDialerForTest wires a dialer, connection, and channel together.
func SetupMockDialerForTest() (*MockAMQPDialer, *MockAMQPChannel, *MockAMQPConnection) {
	mockChannel := NewMockAMQPChannel()
	mockConn := &MockAMQPConnection{MockChannel: mockChannel}
	mockDialer := &MockAMQPDialer{MockConnection: mockConn}
	return mockDialer, mockChannel, mockConn
}

// MockAcknowledger records ack/nack decisions on mock deliveries.
type MockAcknowledger struct {
	Acked  []uint64
	Nacked []uint64
}

func (a *MockAcknowledger) Ack(tag uint64, multiple bool) error {
	a.Acked = append(a.Acked, tag)
	return nil
}

func (a *MockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.Nacked = append(a.Nacked, tag)
	return nil
}

func (a *MockAcknowledger) Reject(tag uint64, requeue bool) error {
	a.Nacked = append(a.Nacked, tag)
	return nil
}
