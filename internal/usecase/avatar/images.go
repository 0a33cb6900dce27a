package avatar

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"orionchat/internal/domain"
)

// ImagesURLPrefix es la ruta HTTP bajo la que se sirve el directorio de
// imágenes. Los estados de los avatares guardan rutas con este prefijo.
const ImagesURLPrefix = "/avatars/"

// MaxImageSize limita cada subida.
const MaxImageSize = 10 << 20

var (
	ErrInvalidImage  = errors.New("invalid avatar image")
	ErrImageInUse    = errors.New("avatar image in use")
	ErrImageNotFound = errors.New("avatar image not found")
)

var imageExts = map[string]bool{
	".png": true, ".gif": true, ".jpg": true, ".jpeg": true, ".webp": true,
}

//go:embed defaults/idle.png defaults/talking.gif
var defaultImages embed.FS

// ImageLibrary guarda en disco las imágenes que usan los estados de los
// avatares.
type ImageLibrary struct {
	dir    string
	repo   domain.AvatarRepository
	logger *log.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewImageLibrary usa dir como raíz. repo se consulta antes de borrar para no
// romper un avatar; puede ser nil.
func NewImageLibrary(dir string, repo domain.AvatarRepository, logger *log.Logger) *ImageLibrary {
	if logger == nil {
		logger = log.Default()
	}
	return &ImageLibrary{
		dir:    dir,
		repo:   repo,
		logger: logger.With("component", "avatar-images"),
		now:    time.Now,
	}
}

func (l *ImageLibrary) Dir() string {
	return l.dir
}

// EnsureDefaults crea el directorio y escribe idle.png y talking.gif si
// faltan. Los existentes no se tocan.
func (l *ImageLibrary) EnsureDefaults() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("avatar images: mkdir: %w", err)
	}
	entries, err := fs.ReadDir(defaultImages, "defaults")
	if err != nil {
		return err
	}
	for _, e := range entries {
		dst := filepath.Join(l.dir, e.Name())
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		data, err := defaultImages.ReadFile(path.Join("defaults", e.Name()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("avatar images: write %s: %w", e.Name(), err)
		}
		l.logger.Info("default image written", "file", dst)
	}
	return nil
}

// List devuelve las rutas públicas de las imágenes, ordenadas. Si el
// directorio no existe devuelve las imágenes por defecto.
func (l *ImageLibrary) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(l.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{DefaultIdleImage, DefaultTalkingImage}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("avatar images: list: %w", err)
	}

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, ImagesURLPrefix+e.Name())
	}
	sort.Strings(paths)
	return paths, nil
}

// Save copia la imagen con un nombre nuevo y devuelve su ruta pública. Solo
// se usa la extensión de filename.
func (l *ImageLibrary) Save(ctx context.Context, filename string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !imageExts[ext] {
		return "", fmt.Errorf("avatar images: %w: unsupported extension %q", ErrInvalidImage, ext)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", fmt.Errorf("avatar images: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(l.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("avatar images: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(r, MaxImageSize+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("avatar images: write: %w", err)
	}
	if n == 0 {
		return "", fmt.Errorf("avatar images: %w: empty file", ErrInvalidImage)
	}
	if n > MaxImageSize {
		return "", fmt.Errorf("avatar images: %w: larger than %d bytes", ErrInvalidImage, MaxImageSize)
	}

	name := fmt.Sprintf("%d%s", l.now().UnixNano(), ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(l.dir, name)); errors.Is(err, fs.ErrNotExist) {
			break
		}
		name = fmt.Sprintf("%d-%d%s", l.now().UnixNano(), i, ext)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(l.dir, name)); err != nil {
		return "", fmt.Errorf("avatar images: store: %w", err)
	}

	l.logger.Info("image uploaded", "file", name, "bytes", n)
	return ImagesURLPrefix + name, nil
}

// Delete borra una imagen dada su ruta pública o su nombre. Falla con
// ErrImageInUse si algún avatar la usa en uno de sus estados.
func (l *ImageLibrary) Delete(ctx context.Context, ref string) error {
	name := imageName(ref)
	if name == "" {
		return fmt.Errorf("avatar images: %w: empty name", ErrInvalidImage)
	}
	public := ImagesURLPrefix + name

	if l.repo != nil {
		avatars, err := l.repo.ListAvatars(ctx)
		if err != nil {
			return fmt.Errorf("avatar images: list avatars: %w", err)
		}
		for _, a := range avatars {
			for _, p := range a.States {
				if p == public {
					return fmt.Errorf("avatar images: %w by avatar %s", ErrImageInUse, a.ID)
				}
			}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err := os.Remove(filepath.Join(l.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("avatar images: %s: %w", name, ErrImageNotFound)
	}
	if err != nil {
		return fmt.Errorf("avatar images: delete %s: %w", name, err)
	}
	l.logger.Info("image deleted", "file", name)
	return nil
}

// imageName reduce ref a un nombre de archivo plano; "" si no es válido.
func imageName(ref string) string {
	ref = strings.TrimSpace(ref)
	ref = strings.TrimPrefix(ref, ImagesURLPrefix)
	ref = strings.TrimPrefix(ref, "avatars/")
	if ref == "" || strings.ContainsAny(ref, `/\`) || ref == "." || ref == ".." {
		return ""
	}
	if !imageExts[strings.ToLower(filepath.Ext(ref))] {
		return ""
	}
	return ref
}
