package cli

import (
	"fmt"
	"os"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"quizroom/internal/config"
	"quizroom/internal/domain"
	pgstore "quizroom/internal/infra/postgres"
)

// quizFile is the YAML shape of an importable question set.
type quizFile struct {
	ID        string `yaml:"id"`
	Title     string `yaml:"title"`
	Questions []struct {
		ID       string   `yaml:"id"`
		Prompt   string   `yaml:"prompt"`
		Options  []string `yaml:"options"`
		Duration int      `yaml:"duration"`
		Correct  *int     `yaml:"correct"`
	} `yaml:"questions"`
}

func (f quizFile) quiz() (domain.Quiz, error) {
	if f.ID == "" {
		return domain.Quiz{}, fmt.Errorf("quiz id is required")
	}
	if len(f.Questions) == 0 {
		return domain.Quiz{}, domain.ErrNoQuestions
	}
	quiz := domain.Quiz{ID: f.ID, Title: f.Title}
	for i, q := range f.Questions {
		if q.ID == "" || len(q.Options) == 0 {
			return domain.Quiz{}, fmt.Errorf("question %d: id and options are required", i)
		}
		if q.Correct != nil && (*q.Correct < 0 || *q.Correct >= len(q.Options)) {
			return domain.Quiz{}, fmt.Errorf("question %s: correct index out of range", q.ID)
		}
		quiz.Questions = append(quiz.Questions, domain.Question{
			ID:           q.ID,
			Prompt:       q.Prompt,
			Options:      q.Options,
			Duration:     q.Duration,
			CorrectIndex: q.Correct,
		})
	}
	return quiz, nil
}

// NewImportCmd stores question sets from YAML files in the Postgres catalog.
func NewImportCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import <quiz.yaml>...",
		Short: "Import question sets into the catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Postgres.URL == "" {
				return fmt.Errorf("postgres url not configured")
			}
			log := cfg.Logger()
			pool, err := pgxpool.Connect(cmd.Context(), cfg.Postgres.URL)
			if err != nil {
				return err
			}
			defer pool.Close()
			loader := pgstore.NewQuizLoader(pool)

			for _, path := range args {
				raw, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				var f quizFile
				if err := yaml.Unmarshal(raw, &f); err != nil {
					return fmt.Errorf("parse %s: %w", path, err)
				}
				quiz, err := f.quiz()
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if err := loader.SaveQuiz(cmd.Context(), quiz); err != nil {
					return err
				}
				log.WithField("quiz", quiz.ID).WithField("questions", len(quiz.Questions)).Info("quiz imported")
			}
			return nil
		},
	}
}
