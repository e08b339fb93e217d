package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	values map[string]Value
	err    error
}

func (f *fakeResolver) Resolve(ctx context.Context, decl Decl) (Value, error) {
	if f.err != nil {
		return Value{}, f.err
	}
	v, ok := f.values[decl.Alias+"@"+decl.Version]
	if !ok {
		return Value{}, assert.AnError
	}
	return v, nil
}

func TestSubstituteReplacesSecretTag(t *testing.T) {
	cat := NewCatalog([]Decl{{Alias: "db-pass", Version: "1", BindingID: "vault:db"}})
	resolver := &fakeResolver{values: map[string]Value{"db-pass@1": {Text: "hunter2", IsText: true}}}

	tree := map[string]interface{}{
		"username": "svc",
		"password": map[string]interface{}{
			"$tag": "secret",
			"$value": map[string]interface{}{
				"alias":   "db-pass",
				"version": "1",
			},
		},
	}

	out, err := Substitute(context.Background(), tree, cat, "", resolver)
	require.NoError(t, err)
	m := out.(map[string]interface{})
	assert.Equal(t, "svc", m["username"])
	assert.Equal(t, "hunter2", m["password"])
}

func TestSubstituteDeniesDisallowedCap(t *testing.T) {
	cat := NewCatalog([]Decl{{Alias: "api-key", Version: "1", BindingID: "vault:api", AllowedCaps: []string{"http.send"}}})
	resolver := &fakeResolver{values: map[string]Value{"api-key@1": {Text: "abc", IsText: true}}}

	tree := map[string]interface{}{
		"$tag": "secret",
		"$value": map[string]interface{}{
			"alias":   "api-key",
			"version": "1",
		},
	}

	_, err := Substitute(context.Background(), tree, cat, "fs.write", resolver)
	assert.Error(t, err)
}

func TestSubstituteMissingDeclErrors(t *testing.T) {
	cat := NewCatalog(nil)
	tree := map[string]interface{}{
		"$tag":   "secret",
		"$value": map[string]interface{}{"alias": "nope", "version": "1"},
	}
	_, err := Substitute(context.Background(), tree, cat, "", &fakeResolver{})
	assert.Error(t, err)
}

func TestSubstituteLeavesNonSecretValuesUntouched(t *testing.T) {
	cat := NewCatalog(nil)
	tree := []interface{}{"a", int64(1), map[string]interface{}{"nested": "value"}}
	out, err := Substitute(context.Background(), tree, cat, "", &fakeResolver{})
	require.NoError(t, err)
	assert.Equal(t, tree, out)
}

func TestValidateDeclRequiresFields(t *testing.T) {
	assert.Error(t, ValidateDecl(Decl{}))
	assert.Error(t, ValidateDecl(Decl{Alias: "a"}))
	assert.NoError(t, ValidateDecl(Decl{Alias: "a", Version: "1", BindingID: "b"}))
}
