package cli

import (
	"context"
	"fmt"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"quizroom/internal/app"
	"quizroom/internal/config"
	"quizroom/internal/domain"
	"quizroom/internal/events"
	"quizroom/internal/infra/memory"
)

type observeFlags struct {
	relay  string
	rooms  []string
	user   string
	name   string
	create bool
	quizID string
	start  bool
}

// NewObserveCmd joins rooms as a headless replica and logs what happens in them.
func NewObserveCmd(configPath *string) *cobra.Command {
	f := observeFlags{}
	cmd := &cobra.Command{
		Use:   "observe",
		Short: "Join rooms as a headless replica and log room events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runObserve(cmd.Context(), *configPath, f)
		},
	}
	cmd.Flags().StringVar(&f.relay, "relay", "ws://localhost:8080", "relay base URL")
	cmd.Flags().StringSliceVar(&f.rooms, "room", nil, "room to join (repeatable)")
	cmd.Flags().StringVar(&f.user, "user", "", "user id (random when empty)")
	cmd.Flags().StringVar(&f.name, "name", "observer", "display name")
	cmd.Flags().BoolVar(&f.create, "create", false, "create the rooms and act as host")
	cmd.Flags().StringVar(&f.quizID, "quiz", "", "question set to load when hosting")
	cmd.Flags().BoolVar(&f.start, "start", false, "start the quiz right after loading it")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func runObserve(ctx context.Context, configPath string, f observeFlags) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log := cfg.Logger()
	if f.user == "" {
		f.user = uuid.NewString()
	}

	deps, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.close()
	snapshots := deps.snapshotStore(cfg)
	quizzes := deps.quizRepository(cfg)
	user := domain.User{ID: f.user, Name: f.name}

	sessions := memory.NewSessionRegistry(func(ctx context.Context, roomID string) (*app.Session, error) {
		relayURL, err := roomURL(f.relay, roomID)
		if err != nil {
			return nil, err
		}
		return app.NewSession(ctx, app.Options{
			RoomID:          roomID,
			User:            user,
			RelayURL:        relayURL,
			MaxFrameSize:    int(cfg.RelayOptions().MaxMessageSize),
			Snapshots:       snapshots,
			Log:             log,
			PresenceTimeout: config.TTLDuration(cfg.Session.PresenceTimeout, 30*time.Second),
		})
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, roomID := range f.rooms {
		session, err := sessions.GetOrOpen(gctx, roomID)
		if err != nil {
			_ = sessions.CloseAll(context.Background())
			return fmt.Errorf("open room %s: %w", roomID, err)
		}
		logEvents(session, log.WithFields(logrus.Fields{"room": roomID, "user": user.ID}))
		if err := enterRoom(gctx, session, quizzes, f); err != nil {
			_ = sessions.CloseAll(context.Background())
			return fmt.Errorf("enter room %s: %w", roomID, err)
		}
		g.Go(func() error {
			err := session.Run(gctx)
			if app.IsTerminal(err) {
				for _, id := range sessions.Prune(context.Background()) {
					log.WithField("room", id).Info("left room after eviction")
				}
				return nil
			}
			return err
		})
	}

	err = g.Wait()
	if closeErr := sessions.CloseAll(context.Background()); err == nil {
		err = closeErr
	}
	return err
}

func enterRoom(ctx context.Context, s *app.Session, quizzes app.QuizRepository, f observeFlags) error {
	syncCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.WaitSynced(syncCtx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if !f.create {
		return s.Admission().RequestJoin()
	}
	if _, err := s.CreateRoom(app.RoomSettings{Name: s.ID(), Type: domain.RoomTypeQuiz, Leaderboard: true}); err != nil {
		return err
	}
	if f.quizID == "" {
		return nil
	}
	if err := s.Quiz().LoadQuiz(ctx, quizzes, f.quizID); err != nil {
		return err
	}
	if f.start {
		return s.Quiz().Start()
	}
	return nil
}

func logEvents(s *app.Session, log logrus.FieldLogger) {
	kinds := []events.Kind{
		events.KindQuizStarted, events.KindQuestionChanged, events.KindQuizPaused,
		events.KindQuizResumed, events.KindQuizEnded, events.KindQuizReset,
		events.KindParticipantsChanged, events.KindEvicted, events.KindAnswerSubmitted,
		events.KindConnectionStatus,
	}
	for _, kind := range kinds {
		s.Bus().SubscribeKind(kind, func(e events.Event) {
			log.WithField("event", e.Kind()).Infof("%+v", e)
		})
	}
}

func roomURL(base, roomID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/rooms/" + url.PathEscape(roomID)
	return u.String(), nil
}
