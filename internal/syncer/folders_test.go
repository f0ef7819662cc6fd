package syncer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zwy923/mailsift/internal/model"
)

func TestFilterFolders(t *testing.T) {
	folders := []string{"INBOX", "Sent", "Drafts", "Archive/2024", "Spam"}

	tests := []struct {
		name    string
		include []string
		exclude []string
		want    []string
	}{
		{
			name: "no filters keeps everything",
			want: folders,
		},
		{
			name:    "include list restricts",
			include: []string{"INBOX", "Archive/2024"},
			want:    []string{"INBOX", "Archive/2024"},
		},
		{
			name:    "exclude wins over include",
			include: []string{"INBOX", "Spam"},
			exclude: []string{"spam"},
			want:    []string{"INBOX"},
		},
		{
			name:    "matching is case-insensitive",
			include: []string{"inbox"},
			want:    []string{"INBOX"},
		},
		{
			name:    "exclude only",
			exclude: []string{"Drafts", "Spam"},
			want:    []string{"INBOX", "Sent", "Archive/2024"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acct := &model.Account{FolderInclude: tt.include, FolderExclude: tt.exclude}
			assert.Equal(t, tt.want, FilterFolders(folders, acct))
		})
	}
}
