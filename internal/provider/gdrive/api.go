package gdrive

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	mimeTypeFolder = "application/vnd.google-apps.folder"
	fileFields     = "id,name,mimeType,size,modifiedTime,md5Checksum,parents,trashed"
)

// driveAPI is the subset of Drive v3 the provider needs.
type driveAPI interface {
	Get(ctx context.Context, id string) (*drive.File, error)
	List(ctx context.Context, parentID, name string) ([]*drive.File, error)
	Create(ctx context.Context, meta *drive.File, content io.Reader) (*drive.File, error)
	UpdateContent(ctx context.Context, id string, content io.Reader) (*drive.File, error)
	Move(ctx context.Context, id, newName, addParent, removeParent string) (*drive.File, error)
	Delete(ctx context.Context, id string) error
	Download(ctx context.Context, id string) (io.ReadCloser, error)
	StartPageToken(ctx context.Context) (string, error)
	Changes(ctx context.Context, token string, pageSize int64) (*drive.ChangeList, error)
}

type serviceAPI struct {
	svc *drive.Service
}

func (s *serviceAPI) Get(ctx context.Context, id string) (*drive.File, error) {
	return s.svc.Files.Get(id).Fields(fileFields).SupportsAllDrives(true).Context(ctx).Do()
}

func (s *serviceAPI) List(ctx context.Context, parentID, name string) ([]*drive.File, error) {
	q := fmt.Sprintf("'%s' in parents and trashed = false", parentID)
	if name != "" {
		q += fmt.Sprintf(" and name = '%s'", escapeQuery(name))
	}

	var out []*drive.File
	call := s.svc.Files.List().
		Q(q).
		Fields(googleapi.Field("nextPageToken,files(" + fileFields + ")")).
		OrderBy("createdTime").
		PageSize(1000).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true)
	err := call.Pages(ctx, func(page *drive.FileList) error {
		out = append(out, page.Files...)
		return nil
	})
	return out, err
}

func (s *serviceAPI) Create(ctx context.Context, meta *drive.File, content io.Reader) (*drive.File, error) {
	call := s.svc.Files.Create(meta).Fields(fileFields).SupportsAllDrives(true).Context(ctx)
	if content != nil {
		call = call.Media(content)
	}
	return call.Do()
}

func (s *serviceAPI) UpdateContent(ctx context.Context, id string, content io.Reader) (*drive.File, error) {
	return s.svc.Files.Update(id, &drive.File{}).Media(content).Fields(fileFields).SupportsAllDrives(true).Context(ctx).Do()
}

func (s *serviceAPI) Move(ctx context.Context, id, newName, addParent, removeParent string) (*drive.File, error) {
	call := s.svc.Files.Update(id, &drive.File{Name: newName}).Fields(fileFields).SupportsAllDrives(true).Context(ctx)
	if addParent != removeParent {
		call = call.AddParents(addParent).RemoveParents(removeParent)
	}
	return call.Do()
}

func (s *serviceAPI) Delete(ctx context.Context, id string) error {
	return s.svc.Files.Delete(id).SupportsAllDrives(true).Context(ctx).Do()
}

func (s *serviceAPI) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := s.svc.Files.Get(id).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s *serviceAPI) StartPageToken(ctx context.Context) (string, error) {
	token, err := s.svc.Changes.GetStartPageToken().SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return token.StartPageToken, nil
}

func (s *serviceAPI) Changes(ctx context.Context, token string, pageSize int64) (*drive.ChangeList, error) {
	return s.svc.Changes.List(token).
		Fields(googleapi.Field("nextPageToken,newStartPageToken,changes(fileId,removed,file(" + fileFields + "))")).
		PageSize(pageSize).
		IncludeRemoved(true).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
}

func escapeQuery(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\'' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}

// NewFromTokenFile builds a provider from a saved oauth2 token (JSON).
func NewFromTokenFile(ctx context.Context, tokenFile string, opts ...Option) (*Provider, error) {
	data, err := os.ReadFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	if token.AccessToken == "" && token.RefreshToken == "" {
		return nil, fmt.Errorf("token file %q has no token", tokenFile)
	}

	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&token))
	svc, err := drive.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return New(svc, opts...), nil
}

// NewFromCredentialsFile builds a provider from a service account key.
func NewFromCredentialsFile(ctx context.Context, keyFile string, opts ...Option) (*Provider, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, drive.DriveScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}

	svc, err := drive.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return New(svc, opts...), nil
}
