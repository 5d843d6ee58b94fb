package handlers_test

import (
	"net/http"
	"testing"

	"github.com/gowdhamkrishna/chatup/internal/api/handlers"
	"github.com/gowdhamkrishna/chatup/internal/presence"
	"github.com/gowdhamkrishna/chatup/internal/protocol"
	"github.com/gowdhamkrishna/chatup/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUserHandler_List(t *testing.T) {
	ts := testutil.NewTestServer(t)

	// stored online but nothing live
	testutil.NewUserBuilder().WithUsername("alice").Online().Build(t, ts.DB.DB)
	testutil.NewUserBuilder().WithUsername("bob").Build(t, ts.DB.DB)
	ts.Registry.Bind("bob", presence.NewHandle())

	resp := get(t, ts.APIURL("/users/"), "")
	testutil.AssertStatusCode(t, resp, http.StatusOK)

	var result handlers.UserListResponse
	testutil.AssertJSONResponse(t, resp, &result)
	require.Len(t, result.Users, 2)

	online := map[string]bool{}
	for _, u := range result.Users {
		online[u.Username] = u.Online
	}
	assert.Equal(t, map[string]bool{"alice": false, "bob": true}, online)
}

func TestUserHandler_Exists(t *testing.T) {
	ts := testutil.NewTestServer(t)
	testutil.NewUserBuilder().WithUsername("alice").Build(t, ts.DB.DB)

	tests := []struct {
		name     string
		username string
		exists   bool
	}{
		{name: "registered", username: "alice", exists: true},
		{name: "case differs", username: "Alice", exists: false},
		{name: "unknown", username: "nobody", exists: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := get(t, ts.APIURL("/users/"+tt.username+"/exists"), "")
			testutil.AssertStatusCode(t, resp, http.StatusOK)

			var result handlers.ExistsResponse
			testutil.AssertJSONResponse(t, resp, &result)
			assert.Equal(t, tt.exists, result.Exists)
		})
	}
}

func TestUserHandler_Messages(t *testing.T) {
	ts := testutil.NewTestServer(t)

	_, aliceToken := testutil.NewUserBuilder().WithUsername("alice").BuildAndAuthenticate(t, ts)
	_, bobToken := testutil.NewUserBuilder().WithUsername("bob").BuildAndAuthenticate(t, ts)
	testutil.NewMessageBuilder("bob", "alice").WithBody("hello").BuildFor(t, ts.DB.DB, "alice")

	tests := []struct {
		name           string
		token          string
		expectedStatus int
		checkResponse  func(*testing.T, *http.Response)
	}{
		{
			name:           "own history",
			token:          aliceToken,
			expectedStatus: http.StatusOK,
			checkResponse: func(t *testing.T, resp *http.Response) {
				var result protocol.HistoryPayload
				testutil.AssertJSONResponse(t, resp, &result)
				assert.Equal(t, "alice", result.Username)
				require.Len(t, result.Messages, 1)
				assert.Equal(t, "hello", result.Messages[0].Body)
				assert.Equal(t, "bob", result.Messages[0].Sender)
			},
		},
		{
			name:           "someone else's history",
			token:          bobToken,
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "no token",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "garbage token",
			token:          "not-a-token",
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := get(t, ts.APIURL("/users/alice/messages"), tt.token)
			testutil.AssertStatusCode(t, resp, tt.expectedStatus)
			if tt.checkResponse != nil {
				tt.checkResponse(t, resp)
			}
		})
	}
}

func TestUserHandler_MessagesForDeletedUser(t *testing.T) {
	ts := testutil.NewTestServer(t)

	token, err := ts.Services.Auth.IssueToken("gone")
	require.NoError(t, err)

	resp := get(t, ts.APIURL("/users/gone/messages"), token)
	testutil.AssertErrorResponse(t, resp, http.StatusNotFound, "User not found")
}
