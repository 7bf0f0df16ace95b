package dispatch

import (
	"context"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDispatcher 是测试用的可配置分发器。
type fakeDispatcher struct {
	name     string
	priority int
	supports func(platform, model string, hasVoice bool) bool
	events   []Event
}

func (f *fakeDispatcher) Name() string  { return f.name }
func (f *fakeDispatcher) Priority() int { return f.priority }

func (f *fakeDispatcher) Supports(platform, model string, hasVoice bool) bool {
	if f.supports == nil {
		return true
	}
	return f.supports(platform, model, hasVoice)
}

func (f *fakeDispatcher) Call(ctx context.Context, req CallRequest) (<-chan Event, error) {
	ch := make(chan Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func geminiFamily(platform, model string) bool {
	return platform == "gemini" || len(model) >= 6 && model[:6] == "gemini"
}

// defaultFixture 按内置优先级布局构造注册表。
func defaultFixture() *Registry {
	r := NewRegistry(nil)
	r.Register(&fakeDispatcher{name: "openai_compat", priority: 0, supports: func(p, m string, v bool) bool {
		return !geminiFamily(p, m)
	}})
	r.Register(&fakeDispatcher{name: "gemini", priority: 10, supports: func(p, m string, v bool) bool {
		return geminiFamily(p, m) && !v
	}})
	r.Register(&fakeDispatcher{name: "gemini_audio", priority: 20, supports: func(p, m string, v bool) bool {
		return geminiFamily(p, m) && v
	}})
	return r
}

func TestRegistry_OrderedByPriorityDescending(t *testing.T) {
	r := defaultFixture()

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, "gemini_audio", all[0].Name())
	assert.Equal(t, "gemini", all[1].Name())
	assert.Equal(t, "openai_compat", all[2].Name())
}

func TestRegistry_SelectVoiceGeminiPrefersAudioVariant(t *testing.T) {
	r := defaultFixture()

	d, err := r.Select("gemini", "gemini-2.0-flash", true)
	require.NoError(t, err)
	assert.Equal(t, "gemini_audio", d.Name())

	d, err = r.Select("gemini", "gemini-2.0-flash", false)
	require.NoError(t, err)
	assert.Equal(t, "gemini", d.Name())
}

func TestRegistry_SelectFallsBackToLowestPriority(t *testing.T) {
	r := defaultFixture()

	d, err := r.Select("openai", "gpt-4o", false)
	require.NoError(t, err)
	assert.Equal(t, "openai_compat", d.Name())
}

func TestRegistry_SelectNoMatchReturnsUnsupported(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeDispatcher{name: "never", priority: 5, supports: func(p, m string, v bool) bool {
		return false
	}})

	_, err := r.Select("openai", "gpt-4o", false)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ErrUnsupported, de.Code)
	assert.Equal(t, 400, de.HTTPStatus)
}

func TestRegistry_EqualPriorityKeepsRegistrationOrder(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeDispatcher{name: "first", priority: 15})
	r.Register(&fakeDispatcher{name: "second", priority: 15})

	d, err := r.Select("any", "model", false)
	require.NoError(t, err)
	assert.Equal(t, "first", d.Name())
}

// 固定注册历史下，同样的选择输入必须总是得到同一个分发器，
// 与注册顺序无关（优先级各不相同时）。
func TestRegistry_SelectionDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same input always selects same dispatcher", prop.ForAll(
		func(platform, model string, hasVoice bool, seed int64) bool {
			specs := []fakeDispatcher{
				{name: "fallback", priority: 0},
				{name: "family", priority: 10, supports: func(p, m string, v bool) bool {
					return geminiFamily(p, m) && !v
				}},
				{name: "family_voice", priority: 20, supports: func(p, m string, v bool) bool {
					return geminiFamily(p, m) && v
				}},
				{name: "pattern", priority: 15, supports: func(p, m string, v bool) bool {
					return len(m) > 0 && m[0] == 'q'
				}},
			}

			// 基准：按声明顺序注册。
			base := NewRegistry(nil)
			for i := range specs {
				base.Register(&specs[i])
			}
			want, wantErr := base.Select(platform, model, hasVoice)

			// 打乱注册顺序后重选。
			shuffled := NewRegistry(nil)
			order := rand.New(rand.NewSource(seed)).Perm(len(specs))
			for _, i := range order {
				shuffled.Register(&specs[i])
			}
			got, gotErr := shuffled.Select(platform, model, hasVoice)

			if wantErr != nil || gotErr != nil {
				return (wantErr == nil) == (gotErr == nil)
			}
			return want.Name() == got.Name()
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Bool(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
