// Package bank loads question-bank files into the store. A bank file
// describes one certification with its chapters, their questions, and
// optionally the exam blueprint, in YAML or JSON.
package bank

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pavelanni/certexam/internal/exam"
	"github.com/pavelanni/certexam/internal/model"
	"github.com/pavelanni/certexam/internal/store"
)

// File is the on-disk layout of a question bank.
type File struct {
	Certification string         `json:"certification" yaml:"certification"`
	Description   string         `json:"description" yaml:"description"`
	Chapters      []ChapterFile  `json:"chapters" yaml:"chapters"`
	Blueprint     *BlueprintFile `json:"blueprint,omitempty" yaml:"blueprint,omitempty"`
}

// ChapterFile is one chapter and its questions.
type ChapterFile struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Order       int            `json:"order" yaml:"order"`
	Questions   []QuestionFile `json:"questions" yaml:"questions"`
}

// QuestionFile is one question. Answer ids may be left out; they are then
// numbered from 1 in file order.
type QuestionFile struct {
	Text       string           `json:"text" yaml:"text"`
	Difficulty model.Difficulty `json:"difficulty" yaml:"difficulty"`
	Points     int              `json:"points" yaml:"points"`
	Answers    []model.Answer   `json:"answers" yaml:"answers"`
}

// BlueprintFile configures the exam, with chapters referenced by name.
type BlueprintFile struct {
	TotalQuestions int          `json:"total_questions" yaml:"total_questions"`
	TimeLimit      int          `json:"time_limit" yaml:"time_limit"`
	PassingScore   int          `json:"passing_score" yaml:"passing_score"`
	Distribution   []QuotaEntry `json:"distribution" yaml:"distribution"`
}

// QuotaEntry asks for Count questions from the named chapter.
type QuotaEntry struct {
	Chapter string `json:"chapter" yaml:"chapter"`
	Count   int    `json:"count" yaml:"count"`
}

// Store is the persistence the importer writes to.
type Store interface {
	exam.QuestionBank
	FindCertificationByName(ctx context.Context, name string) (model.Certification, error)
	CreateCertification(ctx context.Context, c model.Certification) (int64, error)
	ListChapters(ctx context.Context, certificationID int64) ([]model.Chapter, error)
	CreateChapter(ctx context.Context, ch model.Chapter) (int64, error)
	InsertQuestion(ctx context.Context, q model.Question) (int64, error)
	SaveBlueprint(ctx context.Context, bp model.ExamBlueprint) (int64, error)
	GetImportedFileHash(ctx context.Context, path string) (string, error)
	SetImportedFileHash(ctx context.Context, path, hash string) error
	WithTx(ctx context.Context, fn func(tx *store.Store) error) error
}

// Result summarizes one import.
type Result struct {
	Source          string `json:"source"`
	Skipped         bool   `json:"skipped"`
	CertificationID int64  `json:"certification_id,omitempty"`
	Chapters        int    `json:"chapters"`
	Questions       int    `json:"questions"`
	Blueprint       bool   `json:"blueprint"`
}

// Parse decodes a bank file. The format follows the name's extension:
// .yaml and .yml are YAML, anything else is JSON.
func Parse(name string, data []byte) (File, error) {
	var f File
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return f, fmt.Errorf("parse %s: %w", name, err)
		}
	default:
		if err := json.Unmarshal(data, &f); err != nil {
			return f, fmt.Errorf("parse %s: %w", name, err)
		}
	}
	f.numberAnswers()
	return f, nil
}

func (f *File) numberAnswers() {
	for ci := range f.Chapters {
		for qi := range f.Chapters[ci].Questions {
			answers := f.Chapters[ci].Questions[qi].Answers
			unnumbered := true
			for _, a := range answers {
				if a.ID != 0 {
					unnumbered = false
					break
				}
			}
			if !unnumbered {
				continue
			}
			for i := range answers {
				answers[i].ID = int64(i + 1)
			}
		}
	}
}

// Validate checks the file before anything is written. All problems are
// returned joined.
func (f *File) Validate() error {
	var errs []error
	if strings.TrimSpace(f.Certification) == "" {
		errs = append(errs, errors.New("certification name is empty"))
	}
	perChapter := make(map[string]int, len(f.Chapters))
	for _, ch := range f.Chapters {
		if strings.TrimSpace(ch.Name) == "" {
			errs = append(errs, errors.New("chapter name is empty"))
			continue
		}
		if _, dup := perChapter[ch.Name]; dup {
			errs = append(errs, fmt.Errorf("chapter %q appears more than once", ch.Name))
		}
		perChapter[ch.Name] += len(ch.Questions)
		for _, q := range ch.Questions {
			if err := store.ValidateQuestion(q.question(0)); err != nil {
				errs = append(errs, fmt.Errorf("chapter %q: %w", ch.Name, err))
			}
		}
	}
	if f.Blueprint != nil {
		for _, e := range f.Blueprint.Distribution {
			if _, ok := perChapter[e.Chapter]; !ok {
				errs = append(errs, fmt.Errorf("blueprint: chapter %q is not defined in this file", e.Chapter))
			}
		}
	}
	return errors.Join(errs...)
}

func (q QuestionFile) question(chapterID int64) model.Question {
	return model.Question{
		ChapterID:  chapterID,
		Text:       q.Text,
		Difficulty: q.Difficulty,
		Points:     q.Points,
		Answers:    q.Answers,
	}
}

// ImportFile imports a bank file from disk, keyed by its path.
func ImportFile(ctx context.Context, st Store, path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{Source: path}, fmt.Errorf("read %s: %w", path, err)
	}
	return Import(ctx, st, path, data)
}

// Import loads bank data identified by source. A source imported before with
// the same content is skipped. A source whose content changed is skipped too,
// with a warning, so that questions of running sessions are not duplicated.
func Import(ctx context.Context, st Store, source string, data []byte) (Result, error) {
	res := Result{Source: source}
	hash := sha256sum(data)
	stored, err := st.GetImportedFileHash(ctx, source)
	if err != nil {
		return res, fmt.Errorf("check import status for %s: %w", source, err)
	}
	if stored == hash {
		slog.Info("question bank unchanged, skipping", "source", source)
		res.Skipped = true
		return res, nil
	}
	if stored != "" {
		slog.Warn("question bank changed since last import, skipping to avoid breaking existing sessions",
			"source", source)
		res.Skipped = true
		return res, nil
	}

	f, err := Parse(source, data)
	if err != nil {
		return res, err
	}
	if err := f.Validate(); err != nil {
		return res, fmt.Errorf("invalid bank %s: %w", source, err)
	}

	// Nothing is kept unless the whole file, blueprint included, loads.
	err = st.WithTx(ctx, func(tx *store.Store) error {
		loaded := Result{Source: source}
		if err := load(ctx, tx, f, &loaded); err != nil {
			return fmt.Errorf("import %s: %w", source, err)
		}
		if err := tx.SetImportedFileHash(ctx, source, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", source, err)
		}
		res = loaded
		return nil
	})
	if err != nil {
		return res, err
	}
	slog.Info("imported question bank",
		"source", source,
		"certification_id", res.CertificationID,
		"chapters", res.Chapters,
		"questions", res.Questions,
		"blueprint", res.Blueprint,
	)
	return res, nil
}

func load(ctx context.Context, st Store, f File, res *Result) error {
	cert, err := st.FindCertificationByName(ctx, f.Certification)
	switch {
	case errors.Is(err, model.ErrNotFound):
		cert = model.Certification{Name: f.Certification, Description: f.Description}
		if cert.ID, err = st.CreateCertification(ctx, cert); err != nil {
			return fmt.Errorf("create certification: %w", err)
		}
	case err != nil:
		return fmt.Errorf("find certification: %w", err)
	}
	res.CertificationID = cert.ID

	existing, err := st.ListChapters(ctx, cert.ID)
	if err != nil {
		return fmt.Errorf("list chapters: %w", err)
	}
	chapterIDs := make(map[string]int64, len(existing)+len(f.Chapters))
	for _, ch := range existing {
		chapterIDs[ch.Name] = ch.ID
	}

	for _, cf := range f.Chapters {
		id, ok := chapterIDs[cf.Name]
		if !ok {
			id, err = st.CreateChapter(ctx, model.Chapter{
				CertificationID: cert.ID,
				Name:            cf.Name,
				Description:     cf.Description,
				Order:           cf.Order,
			})
			if err != nil {
				return fmt.Errorf("create chapter %q: %w", cf.Name, err)
			}
			chapterIDs[cf.Name] = id
			res.Chapters++
		}
		for _, qf := range cf.Questions {
			if _, err := st.InsertQuestion(ctx, qf.question(id)); err != nil {
				return fmt.Errorf("insert question in chapter %q: %w", cf.Name, err)
			}
			res.Questions++
		}
	}

	if f.Blueprint == nil {
		return nil
	}
	bp := model.ExamBlueprint{
		CertificationID: cert.ID,
		TotalQuestions:  f.Blueprint.TotalQuestions,
		TimeLimit:       f.Blueprint.TimeLimit,
		PassingScore:    f.Blueprint.PassingScore,
	}
	for _, e := range f.Blueprint.Distribution {
		bp.ChapterDistribution = append(bp.ChapterDistribution, model.ChapterQuota{
			ChapterID: chapterIDs[e.Chapter],
			Count:     e.Count,
		})
	}
	bp = exam.NormalizeBlueprint(bp)
	problems, err := exam.ValidateBlueprint(ctx, st, bp)
	if err != nil {
		return fmt.Errorf("validate blueprint: %w", err)
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid blueprint: %w", errors.Join(problems...))
	}
	if _, err := st.SaveBlueprint(ctx, bp); err != nil {
		return fmt.Errorf("save blueprint: %w", err)
	}
	res.Blueprint = true
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
