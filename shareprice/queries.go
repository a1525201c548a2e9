package shareprice

const eventFields = `
	_id
	name
	date
	currency
	users
	expenses {
		_id
		title
		amount
		payer
		participants
	}
	owner
	createdAt
	updatedAt
`

const CurrentUserDocument = `
query CurrentUser {
	currentUser {
		_id
		name
		email
		events
	}
}
`

const UsersDocument = `
query Users {
	users {
		_id
		name
		email
		events
	}
}
`

const EventsDocument = `
query SpEvents($idIn: [ID!]!) {
	spEvents(idIn: $idIn) {` + eventFields + `}
}
`

const UpdateEventDocument = `
mutation UpdateEvent(
	$_id: ID!
	$name: String
	$date: String
	$currency: String
	$users: [ID!]
	$expenses: [SpExpenseInput!]
) {
	updateEvent(
		_id: $_id
		name: $name
		date: $date
		currency: $currency
		users: $users
		expenses: $expenses
	) {` + eventFields + `}
}
`

const SignInDocument = `
mutation SignIn($email: String!, $password: String!) {
	signIn(email: $email, password: $password) {
		token
	}
}
`

const EventUpdatedDocument = `
subscription EventUpdated($id: ID!) {
	eventUpdated(_id: $id) {` + eventFields + `}
}
`

var (
	currentUserOperation  = RequireOperation(CurrentUserDocument)
	usersOperation        = RequireOperation(UsersDocument)
	eventsOperation       = RequireOperation(EventsDocument)
	updateEventOperation  = RequireOperation(UpdateEventDocument)
	signInOperation       = RequireOperation(SignInDocument)
	eventUpdatedOperation = RequireOperation(EventUpdatedDocument)
)
