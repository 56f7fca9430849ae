package services

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"im-client/internal/config"
	"im-client/internal/metrics"
	"im-client/internal/models"
	"im-client/internal/typing"
)

const (
	broadcastTimeout   = 2 * time.Second
	// 超出队列的边沿直接丢弃，对方的显示会按超时自行消失
	broadcastQueueSize = 64
)

// TypingBroadcaster 把本地用户的输入开始/结束信号发给对方。
type TypingBroadcaster interface {
	Broadcast(ctx context.Context, signal models.TypingSignal) error
}

// TypingService 管理本地和远端的"正在输入"状态。
type TypingService interface {
	// NotifyTyping 在每次本地按键时调用
	NotifyTyping(conversationID string)
	// StopTyping 在消息发出后立即结束本地输入状态
	StopTyping(conversationID string)
	// ReceiveTyping 应用对方的输入信号
	ReceiveTyping(conversationID, userID string, isTyping bool)
	TypingUsers(conversationID string) []string
	Close()
}

type typingService struct {
	self        string
	local       *typing.Indicator
	remote      *typing.Indicator
	broadcaster TypingBroadcaster
	log         *zap.Logger

	edges     chan models.TypingSignal
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewTypingService creates the service. broadcaster may be nil, in which case
// local typing is tracked but never sent. Edges are sent from a background
// goroutine in the order they happened; keystrokes never wait on the network.
func NewTypingService(actor models.Actor, clk clockwork.Clock, cfg config.ChatConfig, broadcaster TypingBroadcaster, log *zap.Logger) TypingService {
	if log == nil {
		log = zap.NewNop()
	}
	localTimeout := cfg.TypingDebounce
	if localTimeout <= 0 {
		localTimeout = typing.DefaultLocalTimeout
	}
	remoteTimeout := cfg.TypingVisibility
	if remoteTimeout <= 0 {
		remoteTimeout = typing.DefaultRemoteTimeout
	}
	s := &typingService{
		self:        actor.UserID,
		broadcaster: broadcaster,
		log:         log,
		edges:       make(chan models.TypingSignal, broadcastQueueSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.local = typing.NewIndicator(clk, localTimeout, s.broadcast)
	s.remote = typing.NewIndicator(clk, remoteTimeout, func(sig models.TypingSignal) {
		log.Debug("remote typing changed",
			zap.String("conversation_id", sig.ConversationID),
			zap.String("user_id", sig.UserID),
			zap.Bool("typing", sig.IsTyping))
	})
	if broadcaster != nil {
		go s.run()
	} else {
		close(s.done)
	}
	return s
}

// broadcast runs on edges of the local indicator only and never blocks.
func (s *typingService) broadcast(sig models.TypingSignal) {
	metrics.TypingBroadcasts.WithLabelValues(strconv.FormatBool(sig.IsTyping)).Inc()
	if s.broadcaster == nil {
		return
	}
	select {
	case <-s.quit:
	case s.edges <- sig:
	default:
		s.log.Warn("typing broadcast queue full, dropping edge",
			zap.String("conversation_id", sig.ConversationID),
			zap.Bool("typing", sig.IsTyping))
	}
}

func (s *typingService) run() {
	defer close(s.done)
	for {
		select {
		case sig := <-s.edges:
			s.send(sig)
		case <-s.quit:
			// 关闭前把已排队的边沿发完
			for {
				select {
				case sig := <-s.edges:
					s.send(sig)
				default:
					return
				}
			}
		}
	}
}

func (s *typingService) send(sig models.TypingSignal) {
	ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
	defer cancel()
	if err := s.broadcaster.Broadcast(ctx, sig); err != nil {
		s.log.Warn("typing broadcast failed",
			zap.String("conversation_id", sig.ConversationID),
			zap.Bool("typing", sig.IsTyping),
			zap.Error(err))
	}
}

func (s *typingService) NotifyTyping(conversationID string) {
	s.local.NotifyTyping(conversationID, s.self)
}

func (s *typingService) StopTyping(conversationID string) {
	s.local.Expire(conversationID, s.self)
}

func (s *typingService) ReceiveTyping(conversationID, userID string, isTyping bool) {
	if userID == s.self {
		return
	}
	if isTyping {
		s.remote.NotifyTyping(conversationID, userID)
		return
	}
	s.remote.Expire(conversationID, userID)
}

func (s *typingService) TypingUsers(conversationID string) []string {
	return s.remote.Typing(conversationID)
}

// Close stops the timers and waits for queued broadcasts to go out.
func (s *typingService) Close() {
	s.local.Stop()
	s.remote.Stop()
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
}
