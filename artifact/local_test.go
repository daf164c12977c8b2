//
// Tencent is pleased to support the open source community by making trpc-quantflow available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//

package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanKey(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"reports/a.pdf", "reports/a.pdf", false},
		{"/graphs/x.json", "graphs/x.json", false},
		{" spaced.txt ", "spaced.txt", false},
		{"", "", true},
		{"a//b", "", true},
		{"../escape", "", true},
		{"a/./b", "", true},
	}
	for _, c := range cases {
		got, err := CleanKey(c.in)
		if c.wantErr {
			assert.Errorf(t, err, "CleanKey(%q)", c.in)
			continue
		}
		require.NoErrorf(t, err, "CleanKey(%q)", c.in)
		assert.Equal(t, c.want, got)
	}
}

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Load(ctx, "reports/missing.pdf")
	require.ErrorIs(t, err, ErrNotFound)

	loc, err := store.Save(ctx, "reports/run1.json", &Artifact{
		Data:     []byte(`{"ok":true}`),
		MimeType: "application/json",
		Name:     "run1.json",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, loc)

	art, err := store.Load(ctx, "reports/run1.json")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"ok":true}`), art.Data)
	assert.Equal(t, "application/json", art.MimeType)
	assert.Equal(t, "run1.json", art.Name)

	_, err = store.Save(ctx, "graphs/daily.json", &Artifact{Data: []byte("{}")})
	require.NoError(t, err)

	keys, err := store.List(ctx, "reports/")
	require.NoError(t, err)
	assert.Equal(t, []string{"reports/run1.json"}, keys)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, store.Delete(ctx, "reports/run1.json"))
	_, err = store.Load(ctx, "reports/run1.json")
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting twice stays quiet.
	require.NoError(t, store.Delete(ctx, "reports/run1.json"))
}
